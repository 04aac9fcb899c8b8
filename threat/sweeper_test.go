package threat

import (
	"context"
	"testing"
	"time"

	"phishwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestSweeper_DeactivatesStale(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore(nil)
	seedRow(store, "stale.example", core.ThreatTypePhishing, 80, "otx", now.AddDate(0, 0, -31), true)
	seedRow(store, "fresh.example", core.ThreatTypePhishing, 80, "otx", now.AddDate(0, 0, -29), true)

	s := NewSweeper(store, 0, 0, zaptest.NewLogger(t).Sugar())
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stale, err := store.GetByNormalized(context.Background(), "stale.example")
	require.NoError(t, err)
	assert.False(t, stale.IsActive)

	fresh, err := store.GetByNormalized(context.Background(), "fresh.example")
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)

	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_OnDeactivate(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore(nil)
	seedRow(store, "stale.example", core.ThreatTypePhishing, 80, "otx", now.AddDate(0, 0, -40), true)

	s := NewSweeper(store, 0, 0, zaptest.NewLogger(t).Sugar())
	s.now = func() time.Time { return now }
	var got []int64
	s.OnDeactivate(func(n int64) { got = append(got, n) })

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	_, err = s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, got, "only sweeps that changed rows notify")
}

func TestSweeper_ReobservedIndicatorReactivates(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore(func() time.Time { return now })
	seedRow(store, "back.example", core.ThreatTypePhishing, 80, "otx", now.AddDate(0, 0, -60), true)

	s := NewSweeper(store, 30*24*time.Hour, time.Hour, zaptest.NewLogger(t).Sugar())
	s.now = func() time.Time { return now }
	_, err := s.Sweep(context.Background())
	require.NoError(t, err)

	outcome, err := store.Upsert(context.Background(), &core.Indicator{NormalizedIndicator: "back.example", Confidence: 10})
	require.NoError(t, err)
	assert.Equal(t, core.UpsertMerged, outcome)

	back, err := store.GetByNormalized(context.Background(), "back.example")
	require.NoError(t, err)
	assert.True(t, back.IsActive)
	assert.Equal(t, 80, back.Confidence)
}

func TestSweeper_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore(nil)
	seedRow(store, "old.example", core.ThreatTypeOther, 10, "otx", time.Now().AddDate(-1, 0, 0), true)

	s := NewSweeper(store, time.Hour, 10*time.Millisecond, zaptest.NewLogger(t).Sugar())
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		ind, err := store.GetByNormalized(context.Background(), "old.example")
		return err == nil && !ind.IsActive
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
