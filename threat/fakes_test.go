package threat

import (
	"context"
	"sort"
	"sync"
	"time"

	"phishwatch/core"
	"phishwatch/storage"

	"github.com/google/uuid"
)

// memStore is an in-memory IndicatorStore with the same merge policy as the SQLite store
type memStore struct {
	mu        sync.Mutex
	rows      map[string]*core.Indicator
	now       func() time.Time
	upsertErr error
}

func newMemStore(now func() time.Time) *memStore {
	if now == nil {
		now = time.Now
	}
	return &memStore{rows: make(map[string]*core.Indicator), now: now}
}

// seed inserts a row as-is, bypassing the merge policy
func (m *memStore) seed(ind *core.Indicator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ind
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	m.rows[cp.NormalizedIndicator] = &cp
}

func (m *memStore) Upsert(ctx context.Context, ind *core.Indicator) (core.UpsertOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return "", m.upsertErr
	}

	now := m.now().UTC()
	existing, ok := m.rows[ind.NormalizedIndicator]
	if !ok {
		cp := *ind
		cp.ID = uuid.New().String()
		cp.IsActive = true
		cp.FirstSeen = now
		cp.LastSeen = now
		m.rows[cp.NormalizedIndicator] = &cp
		return core.UpsertCreated, nil
	}

	if ind.Confidence > existing.Confidence {
		existing.Confidence = ind.Confidence
	}
	existing.Tags = core.MergeTags(existing.Tags, ind.Tags)
	if existing.Description == "" {
		existing.Description = ind.Description
	}
	existing.IsActive = true
	existing.LastSeen = now
	return core.UpsertMerged, nil
}

func (m *memStore) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.IsActive && row.LastSeen.Before(cutoff) {
			row.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetByNormalized(ctx context.Context, normalized string) (*core.Indicator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[normalized]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memStore) active() []*core.Indicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Indicator
	for _, row := range m.rows {
		if row.IsActive {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memStore) CountActive(ctx context.Context) (int64, error) {
	return int64(len(m.active())), nil
}

func (m *memStore) CountFirstSeenBetween(ctx context.Context, start, end time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if !row.FirstSeen.Before(start) && row.FirstSeen.Before(end) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ActiveSources(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var sources []string
	for _, row := range m.active() {
		if !seen[row.Source] {
			seen[row.Source] = true
			sources = append(sources, row.Source)
		}
	}
	sort.Strings(sources)
	return sources, nil
}

func (m *memStore) ActiveThreatTypeCounts(ctx context.Context) (map[core.ThreatType]int64, error) {
	counts := map[core.ThreatType]int64{}
	for _, row := range m.active() {
		counts[row.ThreatType]++
	}
	return counts, nil
}

func (m *memStore) ActiveConfidenceCounts(ctx context.Context) ([]core.ConfidenceCount, error) {
	type key struct {
		tt core.ThreatType
		c  int
	}
	grouped := map[key]int64{}
	for _, row := range m.active() {
		grouped[key{row.ThreatType, row.Confidence}]++
	}
	var out []core.ConfidenceCount
	for k, n := range grouped {
		out = append(out, core.ConfidenceCount{ThreatType: k.tt, Confidence: k.c, Count: n})
	}
	return out, nil
}

func (m *memStore) RecentActive(ctx context.Context, limit int, threatType core.ThreatType) ([]*core.Indicator, error) {
	var rows []*core.Indicator
	for _, row := range m.active() {
		if threatType == "" || row.ThreatType == threatType {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].FirstSeen.Equal(rows[j].FirstSeen) {
			return rows[i].FirstSeen.After(rows[j].FirstSeen)
		}
		return rows[i].NormalizedIndicator < rows[j].NormalizedIndicator
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// memAnalyses is an in-memory AnalysisStore
type memAnalyses struct {
	mu       sync.Mutex
	analyses []*core.ThreatAnalysis
	runs     map[string]core.IngestionRun
	order    []string
	saveErr  error
}

func newMemAnalyses() *memAnalyses {
	return &memAnalyses{runs: make(map[string]core.IngestionRun)}
}

func (m *memAnalyses) SaveAnalysis(ctx context.Context, analysis *core.ThreatAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.analyses = append(m.analyses, analysis)
	return nil
}

func (m *memAnalyses) LatestAnalysis(ctx context.Context) (*core.ThreatAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.analyses) == 0 {
		return nil, core.ErrNotFound
	}
	return m.analyses[len(m.analyses)-1], nil
}

func (m *memAnalyses) SaveRun(ctx context.Context, run *core.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.order = append(m.order, run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *memAnalyses) ListRuns(ctx context.Context, limit int) ([]*core.IngestionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.IngestionRun
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		run := m.runs[m.order[i]]
		out = append(out, &run)
	}
	return out, nil
}

func (m *memAnalyses) run(id string) (core.IngestionRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	return run, ok
}

func (m *memAnalyses) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.analyses)
}

// fakeProvider returns canned records, an error, or blocks until released or cancelled
type fakeProvider struct {
	name    string
	threats []core.RawThreat
	err     error
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchThreats(ctx context.Context) ([]core.RawThreat, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.RawThreat, len(f.threats))
	copy(out, f.threats)
	return out, nil
}

// recordingPublisher keeps every event it receives
type recordingPublisher struct {
	mu     sync.Mutex
	events []core.IngestionFinished
}

func (r *recordingPublisher) Publish(ctx context.Context, event core.IngestionFinished) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) all() []core.IngestionFinished {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.IngestionFinished(nil), r.events...)
}

// memCache is an in-memory SnapshotCache
type memCache struct {
	mu       sync.Mutex
	snapshot *core.ThreatAnalysis
	err      error
}

func (c *memCache) StoreSnapshot(ctx context.Context, analysis *core.ThreatAnalysis) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.snapshot = analysis
	return nil
}

func (c *memCache) LoadSnapshot(ctx context.Context) (*core.ThreatAnalysis, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.snapshot == nil {
		return nil, storage.ErrCacheMiss
	}
	return c.snapshot, nil
}

func intPtr(v int) *int { return &v }
