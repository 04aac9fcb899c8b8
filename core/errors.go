package core

import (
	"errors"
	"fmt"
)

var (
	// ErrFeedUnavailable is returned when a feed cannot be fetched or parsed
	ErrFeedUnavailable = errors.New("feed unavailable")
	// ErrUpsertConflict is returned when two writers race on the same normalized indicator
	ErrUpsertConflict = errors.New("upsert conflict")
	// ErrRunFailed is returned when no provider produced usable data
	ErrRunFailed = errors.New("ingestion run failed")
	// ErrAlreadyRunning is returned when a run is triggered while another is in progress
	ErrAlreadyRunning = errors.New("ingestion run already in progress")
	// ErrRunCancelled is returned when an operator cancels a run
	ErrRunCancelled = errors.New("ingestion run cancelled")
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
)

// ReasonNoIndicatorValue is used when a raw record carries no indicator, url or domain
const ReasonNoIndicatorValue = "no-indicator-value"

// NormalizationFailure means a raw record could not be mapped to an Indicator.
// The record is dropped; the run continues.
type NormalizationFailure struct {
	Reason string
	Source string
}

func (e *NormalizationFailure) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("normalization failed: %s", e.Reason)
	}
	return fmt.Sprintf("normalization failed for record from %s: %s", e.Source, e.Reason)
}

// NewFeedUnavailable wraps a provider failure so callers can match ErrFeedUnavailable
func NewFeedUnavailable(provider string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrFeedUnavailable, provider, cause)
}

// IsNormalizationFailure reports whether err is a NormalizationFailure
func IsNormalizationFailure(err error) bool {
	var nf *NormalizationFailure
	return errors.As(err, &nf)
}
