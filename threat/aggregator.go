package threat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"phishwatch/core"
)

// AggregatorConfig controls snapshot shape
type AggregatorConfig struct {
	// TopN bounds topThreatTypes; zero keeps every type
	TopN int
	// RecentLimit is the number of recent threats carried in the snapshot
	RecentLimit int
	// BalancedRecent balances the snapshot's recent threats across threat types
	BalancedRecent bool
	// Location defines the calendar day for newThreatsToday
	Location *time.Location
}

// Aggregator computes ThreatAnalysis from the persisted indicator table.
// It never accumulates state between runs.
type Aggregator struct {
	store core.IndicatorReader
	cfg   AggregatorConfig
	now   func() time.Time
}

// NewAggregator creates an aggregator
func NewAggregator(store core.IndicatorReader, cfg AggregatorConfig) *Aggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 10
	}
	return &Aggregator{store: store, cfg: cfg, now: time.Now}
}

// ComputeAnalysis scans the indicator table and builds a snapshot. Read only.
func (a *Aggregator) ComputeAnalysis(ctx context.Context) (*core.ThreatAnalysis, error) {
	now := a.now()

	total, err := a.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active threats: %w", err)
	}

	dayStart, dayEnd := calendarDay(now, a.cfg.Location)
	newToday, err := a.store.CountFirstSeenBetween(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to count new threats: %w", err)
	}

	sources, err := a.store.ActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sources: %w", err)
	}

	byType, err := a.store.ActiveThreatTypeCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count threat types: %w", err)
	}

	confidenceCounts, err := a.store.ActiveConfidenceCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count threat levels: %w", err)
	}

	recent, err := a.recent(ctx, a.cfg.RecentLimit, "", a.cfg.BalancedRecent, byType)
	if err != nil {
		return nil, err
	}

	return &core.ThreatAnalysis{
		GeneratedAt:     now.UTC(),
		TotalThreats:    total,
		NewThreatsToday: newToday,
		ActiveSources:   int64(len(sources)),
		TopThreatTypes:  TopThreatTypes(byType, a.cfg.TopN),
		ByThreatLevel:   levelHistogram(confidenceCounts),
		RecentThreats:   recent,
	}, nil
}

// RecentThreats returns up to limit active indicators, newest first.
// A category restricts the result to one threat type; balanced spreads the
// result across threat types.
func (a *Aggregator) RecentThreats(ctx context.Context, limit int, category core.ThreatType, balanced bool) ([]*core.Indicator, error) {
	var byType map[core.ThreatType]int64
	if balanced && category == "" {
		var err error
		if byType, err = a.store.ActiveThreatTypeCounts(ctx); err != nil {
			return nil, fmt.Errorf("failed to count threat types: %w", err)
		}
	}
	return a.recent(ctx, limit, category, balanced, byType)
}

func (a *Aggregator) recent(ctx context.Context, limit int, category core.ThreatType, balanced bool, byType map[core.ThreatType]int64) ([]*core.Indicator, error) {
	if limit <= 0 {
		return []*core.Indicator{}, nil
	}
	if !balanced || category != "" {
		recent, err := a.store.RecentActive(ctx, limit, category)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent threats: %w", err)
		}
		return recent, nil
	}

	buckets := make([]core.ThreatType, 0, len(byType))
	for tt, n := range byType {
		if n > 0 {
			buckets = append(buckets, tt)
		}
	}
	if len(buckets) == 0 {
		return []*core.Indicator{}, nil
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	perBucket := (limit + len(buckets) - 1) / len(buckets)
	merged := make([]*core.Indicator, 0, perBucket*len(buckets))
	for _, tt := range buckets {
		items, err := a.store.RecentActive(ctx, perBucket, tt)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent %s threats: %w", tt, err)
		}
		merged = append(merged, items...)
	}
	return BalanceRecent(merged, limit), nil
}

// BalanceRecent sorts per-bucket picks by first seen descending and truncates
// to limit. Ties fall back to the normalized indicator for a stable order.
func BalanceRecent(picks []*core.Indicator, limit int) []*core.Indicator {
	sort.SliceStable(picks, func(i, j int) bool {
		if !picks[i].FirstSeen.Equal(picks[j].FirstSeen) {
			return picks[i].FirstSeen.After(picks[j].FirstSeen)
		}
		return picks[i].NormalizedIndicator < picks[j].NormalizedIndicator
	})
	if len(picks) > limit {
		picks = picks[:limit]
	}
	return picks
}

// TopThreatTypes orders the histogram by count descending, ties by type name.
// n <= 0 keeps every entry.
func TopThreatTypes(byType map[core.ThreatType]int64, n int) []core.ThreatTypeCount {
	counts := make([]core.ThreatTypeCount, 0, len(byType))
	for tt, c := range byType {
		if c > 0 {
			counts = append(counts, core.ThreatTypeCount{Type: tt, Count: c})
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Type < counts[j].Type
	})
	if n > 0 && len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

func levelHistogram(counts []core.ConfidenceCount) map[core.ThreatLevel]int64 {
	levels := map[core.ThreatLevel]int64{
		core.ThreatLevelHigh:   0,
		core.ThreatLevelMedium: 0,
		core.ThreatLevelLow:    0,
	}
	for _, c := range counts {
		levels[core.ThreatLevelFor(c.Confidence, c.ThreatType)] += c.Count
	}
	return levels
}

// calendarDay returns [midnight, next midnight) of t's day in loc
func calendarDay(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
