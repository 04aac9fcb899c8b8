package notify

import (
	"context"
	"errors"
	"fmt"

	"phishwatch/core"
	"phishwatch/metrics"

	"go.uber.org/zap"
)

// LogPublisher writes IngestionFinished to the structured log
type LogPublisher struct {
	logger *zap.SugaredLogger
}

// NewLogPublisher creates a log publisher
func NewLogPublisher(logger *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event. It never fails.
func (p *LogPublisher) Publish(ctx context.Context, event core.IngestionFinished) error {
	p.logger.Infow("IngestionFinished",
		"run_id", event.RunID,
		"new", event.NewCount,
		"merged", event.MergedCount,
		"sources", event.Sources,
		"failures", event.Failures,
		"finished_at", event.FinishedAt)
	return nil
}

// Target is a named publisher inside a MultiPublisher
type Target struct {
	Name      string
	Publisher core.EventPublisher
}

// MultiPublisher fans an event out to every target. A failing target does not
// stop delivery to the others.
type MultiPublisher struct {
	targets []Target
	logger  *zap.SugaredLogger
}

// NewMultiPublisher creates a fan-out publisher
func NewMultiPublisher(logger *zap.SugaredLogger, targets ...Target) *MultiPublisher {
	return &MultiPublisher{targets: targets, logger: logger}
}

// Publish delivers to every target and joins the failures
func (m *MultiPublisher) Publish(ctx context.Context, event core.IngestionFinished) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.Publisher.Publish(ctx, event); err != nil {
			metrics.EventPublishFailures.WithLabelValues(t.Name).Inc()
			m.logger.Warnw("Event delivery failed",
				"publisher", t.Name,
				"run_id", event.RunID,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of targets
func (m *MultiPublisher) Len() int {
	return len(m.targets)
}
