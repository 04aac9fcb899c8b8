package feeds

import (
	"context"
	"errors"
	"time"

	"phishwatch/core"

	"go.uber.org/zap"
)

// guardedProvider stops calling a feed that keeps failing across runs.
// While the breaker is open the fetch fails fast with core.ErrFeedUnavailable.
type guardedProvider struct {
	Provider
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

// WithCircuitBreaker wraps p with a circuit breaker
func WithCircuitBreaker(p Provider, breaker *core.CircuitBreaker, logger *zap.SugaredLogger) Provider {
	return &guardedProvider{Provider: p, breaker: breaker, logger: logger}
}

// FetchThreats delegates to the wrapped provider when the breaker allows it
func (g *guardedProvider) FetchThreats(ctx context.Context) ([]core.RawThreat, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, core.NewFeedUnavailable(g.Name(), err)
	}

	threats, err := g.Provider.FetchThreats(ctx)
	if err != nil {
		// An operator cancel says nothing about the feed's health
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if state := g.breaker.RecordFailure(); state == core.CircuitBreakerStateOpen {
			g.logger.Warnw("Feed circuit breaker open",
				"provider", g.Name(),
				"error", err)
		}
		return nil, err
	}
	g.breaker.RecordSuccess()
	return threats, nil
}

// Commit forwards to the wrapped provider when it keeps a cursor
func (g *guardedProvider) Commit(since time.Time) {
	if c, ok := g.Provider.(Committer); ok {
		c.Commit(since)
	}
}

// Close closes the wrapped provider if it holds resources
func (g *guardedProvider) Close() error {
	if c, ok := g.Provider.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
