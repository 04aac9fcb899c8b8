// Package core defines the threat intelligence domain model shared by the
// ingestion engine, storage layer and API.
//
// # Domain Types
//
//   - RawThreat: one loosely-typed record as emitted by a feed provider
//   - Indicator: a normalized, deduplicated indicator of compromise
//   - ThreatAnalysis: the aggregate snapshot published after each run
//   - IngestionRun: the persisted record of one run and its per-provider results
//
// # Interfaces
//
// Storage and notification contracts (IndicatorStore, AnalysisStore,
// SnapshotCache, EventPublisher) are declared here so the threat package
// can depend on them without importing concrete backends. Implementations
// live in the storage and notify packages.
//
// # Errors
//
// Sentinel errors (ErrFeedUnavailable, ErrAlreadyRunning, ErrNotFound, ...)
// are matched with errors.Is. NormalizationFailure is a typed error carrying
// the drop reason for a single record.
package core
