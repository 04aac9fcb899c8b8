package threat

import (
	"context"
	"sync"
	"time"

	"phishwatch/core"
	"phishwatch/metrics"
	"phishwatch/util/goroutine"

	"go.uber.org/zap"
)

const (
	// DefaultRetention is how long an indicator may go unseen before it is deactivated
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Sweeper deactivates indicators that no feed has reported within the retention window
type Sweeper struct {
	store     core.IndicatorStore
	retention time.Duration
	interval  time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time

	onDeactivate []func(n int64)

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSweeper creates a sweeper
func NewSweeper(store core.IndicatorStore, retention, interval time.Duration, logger *zap.SugaredLogger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// OnDeactivate registers fn to run after a sweep deactivates at least one row.
// Register before Start.
func (s *Sweeper) OnDeactivate(fn func(n int64)) {
	s.onDeactivate = append(s.onDeactivate, fn)
}

// Sweep deactivates indicators whose lastSeen is older than the retention window
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.DeactivateStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.IndicatorsDeactivated.Add(float64(n))
		s.logger.Infow("Deactivated stale indicators", "count", n, "cutoff", cutoff)
		for _, fn := range s.onDeactivate {
			fn(n)
		}
	}
	return n, nil
}

// Start sweeps once and then on every interval until Stop
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer goroutine.Recover("indicator-sweeper", s.logger)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warnw("Indicator sweep failed", "error", err)
			}
			select {
			case <-ticker.C:
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
