package threat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"phishwatch/core"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is the part of the orchestrator the scheduler drives
type Runner interface {
	RunNow(ctx context.Context, trigger core.RunTrigger) (*core.ThreatAnalysis, error)
}

// Scheduler fires ingestion runs on a cron schedule.
// A tick that lands on a running run is skipped, not queued.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

// NewScheduler validates the schedule expression (standard five-field cron or
// descriptors such as @every 1h) and binds it to runner.
func NewScheduler(runner Runner, schedule string, loc *time.Location, logger *zap.SugaredLogger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, runner: runner, logger: logger, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(schedule, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid ingestion schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	_, err := s.runner.RunNow(s.ctx, core.RunTriggerSchedule)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrAlreadyRunning):
		s.logger.Infow("Skipping scheduled ingestion, a run is in progress")
	case errors.Is(err, core.ErrRunCancelled):
		s.logger.Infow("Scheduled ingestion cancelled")
	default:
		s.logger.Warnw("Scheduled ingestion failed", "error", err)
	}
}

// Start begins firing on schedule
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Infow("Ingestion scheduler started", "next_run", s.Next())
}

// Next returns the next scheduled fire time
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now())
}

// Stop cancels an in-flight scheduled run and waits for it to return or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
