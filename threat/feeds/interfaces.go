package feeds

import (
	"context"
	"errors"
	"time"

	"phishwatch/core"
)

// =============================================================================
// Feed Provider Interface
// =============================================================================

// Provider fetches one external feed and maps it into RawThreat records.
// Providers never touch shared state; a provider returning zero records
// means "no new data" and is not an error.
type Provider interface {
	// Name is the unique provider name, used as the owning source of its records
	Name() string

	// FetchThreats performs the outbound fetch. Failures are wrapped in core.ErrFeedUnavailable.
	FetchThreats(ctx context.Context) ([]core.RawThreat, error)
}

// Committer is implemented by providers that fetch incrementally. Commit is
// called only after a run that used the provider's records has completed, with
// the run's start time; a cancelled or failed run leaves the cursor alone so
// the next run fetches the same window again.
type Committer interface {
	Commit(since time.Time)
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAuthFailed is returned when the feed rejects the configured credentials
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnexpectedStatus is returned for non-success HTTP responses
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")

	// ErrResponseTooLarge is returned when a response exceeds the body limit
	ErrResponseTooLarge = errors.New("response too large")

	// ErrParseFailed is returned when a feed payload cannot be decoded
	ErrParseFailed = errors.New("failed to parse feed")

	// ErrInvalidConfig is returned when a provider configuration is invalid
	ErrInvalidConfig = errors.New("invalid provider configuration")

	// ErrUnsupportedType is returned for unknown provider types
	ErrUnsupportedType = errors.New("unsupported provider type")
)
