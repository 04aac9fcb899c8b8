package threat

import (
	"context"
	"errors"

	"phishwatch/core"
	"phishwatch/storage"

	"go.uber.org/zap"
)

// LoadLatestAnalysis returns the newest snapshot, preferring the shared cache
// and falling back to the analysis table. A nil cache skips the first step.
func LoadLatestAnalysis(ctx context.Context, cache core.SnapshotCache, analyses core.AnalysisStore, logger *zap.SugaredLogger) (*core.ThreatAnalysis, error) {
	if cache != nil {
		analysis, err := cache.LoadSnapshot(ctx)
		switch {
		case err == nil:
			return analysis, nil
		case errors.Is(err, storage.ErrCacheMiss):
			logger.Debugw("Snapshot cache miss, reading analysis table")
		default:
			logger.Warnw("Snapshot cache unavailable, reading analysis table", "error", err)
		}
	}
	return analyses.LatestAnalysis(ctx)
}
