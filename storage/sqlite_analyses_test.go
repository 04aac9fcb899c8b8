package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"phishwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupAnalysisStore(t *testing.T) *SQLiteAnalysisStore {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "intel.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteAnalysisStore(db, logger)
}

func TestAnalysisStore_LatestWins(t *testing.T) {
	store := setupAnalysisStore(t)
	ctx := context.Background()

	_, err := store.LatestAnalysis(ctx)
	assert.ErrorIs(t, err, core.ErrNotFound)

	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	older := &core.ThreatAnalysis{RunID: "run-1", GeneratedAt: base, TotalThreats: 3}
	newer := &core.ThreatAnalysis{
		RunID:          "run-2",
		GeneratedAt:    base.Add(time.Hour),
		TotalThreats:   5,
		TopThreatTypes: []core.ThreatTypeCount{{Type: core.ThreatTypePhishing, Count: 3}},
		ByThreatLevel:  map[core.ThreatLevel]int64{core.ThreatLevelHigh: 3},
	}
	require.NoError(t, store.SaveAnalysis(ctx, newer))
	require.NoError(t, store.SaveAnalysis(ctx, older))

	latest, err := store.LatestAnalysis(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.RunID)
	assert.Equal(t, int64(5), latest.TotalThreats)
	assert.Equal(t, newer.TopThreatTypes, latest.TopThreatTypes)
	assert.Equal(t, int64(3), latest.ByThreatLevel[core.ThreatLevelHigh])
}

func TestAnalysisStore_RequiresRunID(t *testing.T) {
	store := setupAnalysisStore(t)
	assert.Error(t, store.SaveAnalysis(context.Background(), &core.ThreatAnalysis{}))
	assert.Error(t, store.SaveRun(context.Background(), &core.IngestionRun{}))
}

func TestAnalysisStore_RunHistory(t *testing.T) {
	store := setupAnalysisStore(t)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	run := &core.IngestionRun{
		ID:        "run-1",
		Trigger:   core.RunTriggerManual,
		State:     core.RunStateRunning,
		StartedAt: start,
	}
	require.NoError(t, store.SaveRun(ctx, run))

	run.State = core.RunStateCompleted
	run.FinishedAt = start.Add(2 * time.Minute)
	run.Created = 4
	run.Merged = 1
	run.Providers = []core.ProviderResult{
		{Provider: "otx", Records: 5},
		{Provider: "openphish", Error: "feed unavailable: timeout"},
	}
	require.NoError(t, store.SaveRun(ctx, run))

	require.NoError(t, store.SaveRun(ctx, &core.IngestionRun{
		ID: "run-2", Trigger: core.RunTriggerSchedule, State: core.RunStateFailed,
		StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour), Error: "ingestion run failed",
	}))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, core.RunStateFailed, runs[0].State)

	got := runs[1]
	assert.Equal(t, core.RunStateCompleted, got.State)
	assert.Equal(t, 4, got.Created)
	assert.True(t, got.FinishedAt.Equal(run.FinishedAt))
	assert.Equal(t, []string{"openphish"}, got.FailedProviders())

	limited, err := store.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
