package core

import (
	"context"
	"time"
)

// ConfidenceCount is the number of active indicators sharing a threat type and confidence
type ConfidenceCount struct {
	ThreatType ThreatType
	Confidence int
	Count      int64
}

// IndicatorReader is the read side of the indicator table used by aggregation
type IndicatorReader interface {
	GetByNormalized(ctx context.Context, normalized string) (*Indicator, error)
	CountActive(ctx context.Context) (int64, error)
	CountFirstSeenBetween(ctx context.Context, start, end time.Time) (int64, error)
	ActiveSources(ctx context.Context) ([]string, error)
	ActiveThreatTypeCounts(ctx context.Context) (map[ThreatType]int64, error)
	ActiveConfidenceCounts(ctx context.Context) ([]ConfidenceCount, error)
	// RecentActive returns active indicators ordered by first_seen descending.
	// An empty threatType matches every type.
	RecentActive(ctx context.Context, limit int, threatType ThreatType) ([]*Indicator, error)
}

// IndicatorStore is the authoritative indicator table. Upsert is the only write path
// used by ingestion; DeactivateStale belongs to the aging policy.
type IndicatorStore interface {
	IndicatorReader
	Upsert(ctx context.Context, indicator *Indicator) (UpsertOutcome, error)
	DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// AnalysisStore persists snapshots and run history
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, analysis *ThreatAnalysis) error
	LatestAnalysis(ctx context.Context) (*ThreatAnalysis, error)
	SaveRun(ctx context.Context, run *IngestionRun) error
	ListRuns(ctx context.Context, limit int) ([]*IngestionRun, error)
}

// SnapshotCache shares the latest snapshot with readers outside this process
type SnapshotCache interface {
	StoreSnapshot(ctx context.Context, analysis *ThreatAnalysis) error
	LoadSnapshot(ctx context.Context) (*ThreatAnalysis, error)
}

// EventPublisher delivers IngestionFinished to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, event IngestionFinished) error
}
