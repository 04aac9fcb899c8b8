package feeds

import (
	"context"
	"errors"
	"testing"
	"time"

	"phishwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) FetchThreats(ctx context.Context) ([]core.RawThreat, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []core.RawThreat{{Domain: "x.example", Source: s.name}}, nil
}

func TestWithCircuitBreaker_OpensAndFailsFast(t *testing.T) {
	breaker, err := core.NewCircuitBreaker(core.CircuitBreakerConfig{MaxFailures: 2, Cooldown: time.Hour})
	require.NoError(t, err)

	stub := &stubProvider{name: "flaky", err: core.NewFeedUnavailable("flaky", errors.New("timeout"))}
	p := WithCircuitBreaker(stub, breaker, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "flaky", p.Name())

	for i := 0; i < 2; i++ {
		_, err := p.FetchThreats(context.Background())
		assert.ErrorIs(t, err, core.ErrFeedUnavailable)
	}

	_, err = p.FetchThreats(context.Background())
	assert.ErrorIs(t, err, core.ErrFeedUnavailable)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, 2, stub.calls, "open breaker must not call the feed")
}

func TestWithCircuitBreaker_CancelDoesNotCount(t *testing.T) {
	breaker, err := core.NewCircuitBreaker(core.CircuitBreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	require.NoError(t, err)

	stub := &stubProvider{name: "slow", err: context.Canceled}
	p := WithCircuitBreaker(stub, breaker, zaptest.NewLogger(t).Sugar())

	_, err = p.FetchThreats(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.CircuitBreakerStateClosed, breaker.State())
}

func TestWithCircuitBreaker_Success(t *testing.T) {
	breaker, err := core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig())
	require.NoError(t, err)

	p := WithCircuitBreaker(&stubProvider{name: "ok"}, breaker, zaptest.NewLogger(t).Sugar())
	threats, err := p.FetchThreats(context.Background())
	require.NoError(t, err)
	assert.Len(t, threats, 1)
}
