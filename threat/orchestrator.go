package threat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"phishwatch/core"
	"phishwatch/metrics"
	"phishwatch/threat/feeds"
	"phishwatch/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRunDeadline    = 5 * time.Minute
	defaultPublishTimeout = 10 * time.Second
	runRecordTimeout      = 5 * time.Second
)

// OrchestratorConfig configures ingestion runs
type OrchestratorConfig struct {
	// RunDeadline bounds the fetch phase; providers still fetching are cancelled
	RunDeadline time.Duration
	// PublishTimeout bounds delivery of IngestionFinished
	PublishTimeout time.Duration
}

// Dependencies are the collaborators of an Orchestrator. Cache and Publisher are optional.
type Dependencies struct {
	Providers  []feeds.Provider
	Classifier *Classifier
	Store      core.IndicatorStore
	Analyses   core.AnalysisStore
	Aggregator *Aggregator
	Cache      core.SnapshotCache
	Publisher  core.EventPublisher
}

// Status is a point-in-time view of the orchestrator
type Status struct {
	State          core.RunState      `json:"state"`
	CurrentRunID   string             `json:"current_run_id,omitempty"`
	CurrentTrigger core.RunTrigger    `json:"current_trigger,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	LastRun        *core.IngestionRun `json:"last_run,omitempty"`
	SnapshotRunID  string             `json:"snapshot_run_id,omitempty"`
	Providers      []string           `json:"providers"`
}

// activeRun is the bookkeeping of the run currently in progress
type activeRun struct {
	id        string
	trigger   core.RunTrigger
	startedAt time.Time
	cancel    context.CancelFunc
}

// providerOutcome is what one provider produced in a run
type providerOutcome struct {
	name     string
	threats  []core.RawThreat
	err      error
	duration time.Duration
}

// ingestStats counts per-record outcomes across concurrent workers
type ingestStats struct {
	created atomic.Int64
	merged  atomic.Int64
	dropped atomic.Int64
}

// Orchestrator drives ingestion runs: Idle -> Running -> Completed | Failed.
// At most one run is Running; a trigger during a run is rejected, not queued.
type Orchestrator struct {
	deps   Dependencies
	cfg    OrchestratorConfig
	logger *zap.SugaredLogger
	now    func() time.Time

	mu      sync.Mutex
	state   core.RunState
	current *activeRun
	lastRun *core.IngestionRun

	// snapshot is replaced wholesale; readers see the old or the new one
	snapshot atomic.Pointer[core.ThreatAnalysis]

	// background tracks fire-and-forget runs and abandoned provider fetches
	background sync.WaitGroup
}

// NewOrchestrator creates an orchestrator in the Idle state
func NewOrchestrator(deps Dependencies, cfg OrchestratorConfig, logger *zap.SugaredLogger) (*Orchestrator, error) {
	if deps.Classifier == nil || deps.Store == nil || deps.Analyses == nil || deps.Aggregator == nil {
		return nil, errors.New("orchestrator requires classifier, store, analyses and aggregator")
	}
	seen := make(map[string]bool, len(deps.Providers))
	for _, p := range deps.Providers {
		if seen[p.Name()] {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name())
		}
		seen[p.Name()] = true
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = defaultRunDeadline
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  core.RunStateIdle,
	}, nil
}

// =============================================================================
// Triggers
// =============================================================================

// Start begins a run in the background and returns its id immediately.
// The run outlives ctx; use Cancel to abort it.
func (o *Orchestrator) Start(ctx context.Context, trigger core.RunTrigger) (string, error) {
	run, runCtx, err := o.begin(context.WithoutCancel(ctx), trigger)
	if err != nil {
		return "", err
	}

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer goroutine.Recover("ingestion run "+run.id, o.logger)
		_, _ = o.execute(runCtx, run)
	}()
	return run.id, nil
}

// RunNow runs synchronously and returns the new snapshot. Cancelling ctx
// aborts the run. Returns core.ErrRunFailed when no provider produced data.
func (o *Orchestrator) RunNow(ctx context.Context, trigger core.RunTrigger) (*core.ThreatAnalysis, error) {
	run, runCtx, err := o.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return o.execute(runCtx, run)
}

// Cancel aborts the run in progress. Already upserted records stay in place.
// Returns false when nothing is running.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return false
	}
	o.logger.Infow("Cancelling ingestion run", "run_id", o.current.id)
	o.current.cancel()
	return true
}

// begin is the guarded Idle|Completed|Failed -> Running transition
func (o *Orchestrator) begin(parent context.Context, trigger core.RunTrigger) (*activeRun, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == core.RunStateRunning {
		metrics.IngestionRunsRejected.Inc()
		return nil, nil, fmt.Errorf("%w: run %s", core.ErrAlreadyRunning, o.current.id)
	}

	ctx, cancel := context.WithCancel(parent)
	run := &activeRun{
		id:        uuid.New().String(),
		trigger:   trigger,
		startedAt: o.now().UTC(),
		cancel:    cancel,
	}
	o.state = core.RunStateRunning
	o.current = run
	return run, ctx, nil
}

// finish is the Running -> Completed|Failed transition
func (o *Orchestrator) finish(record *core.IngestionRun) {
	record.FinishedAt = o.now().UTC()

	o.mu.Lock()
	o.state = record.State
	o.current = nil
	o.lastRun = record
	o.mu.Unlock()

	metrics.IngestionRuns.WithLabelValues(string(record.State)).Inc()
	metrics.IngestionRunDuration.Observe(record.FinishedAt.Sub(record.StartedAt).Seconds())
	o.saveRun(record)
}

// =============================================================================
// Run
// =============================================================================

func (o *Orchestrator) execute(ctx context.Context, run *activeRun) (*core.ThreatAnalysis, error) {
	defer run.cancel()

	record := &core.IngestionRun{
		ID:        run.id,
		Trigger:   run.trigger,
		State:     core.RunStateRunning,
		StartedAt: run.startedAt,
	}
	o.saveRun(record)
	o.logger.Infow("Ingestion run started",
		"run_id", run.id,
		"trigger", run.trigger,
		"providers", len(o.deps.Providers))

	outcomes := o.fetchAll(ctx, run.id)

	var usable []providerOutcome
	for _, out := range outcomes {
		result := core.ProviderResult{Provider: out.name, Records: len(out.threats), Duration: out.duration}
		if out.err != nil {
			result.Error = out.err.Error()
		} else {
			usable = append(usable, out)
		}
		record.Providers = append(record.Providers, result)
	}

	if ctx.Err() != nil {
		return nil, o.fail(record, core.ErrRunCancelled)
	}
	if len(usable) == 0 {
		return nil, o.fail(record, fmt.Errorf("%w: no provider returned usable data (%d configured)", core.ErrRunFailed, len(outcomes)))
	}

	stats, err := o.process(ctx, usable)
	record.Created = int(stats.created.Load())
	record.Merged = int(stats.merged.Load())
	record.Dropped = int(stats.dropped.Load())
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.fail(record, core.ErrRunCancelled)
		}
		return nil, o.fail(record, fmt.Errorf("%w: %v", core.ErrRunFailed, err))
	}
	if ctx.Err() != nil {
		return nil, o.fail(record, core.ErrRunCancelled)
	}

	analysis, err := o.deps.Aggregator.ComputeAnalysis(ctx)
	if err != nil {
		return nil, o.fail(record, fmt.Errorf("%w: aggregation: %v", core.ErrRunFailed, err))
	}
	analysis.RunID = run.id
	analysis.DegradedSources = record.FailedProviders()

	if err := o.deps.Analyses.SaveAnalysis(ctx, analysis); err != nil {
		return nil, o.fail(record, fmt.Errorf("%w: persist snapshot: %v", core.ErrRunFailed, err))
	}
	o.snapshot.Store(analysis)
	o.cacheSnapshot(analysis)

	record.State = core.RunStateCompleted
	o.finish(record)
	o.commitCursors(usable, run.startedAt)

	metrics.LastSuccessfulRun.SetToCurrentTime()
	metrics.ActiveThreats.Set(float64(analysis.TotalThreats))

	o.logger.Infow("Ingestion run completed",
		"run_id", run.id,
		"created", record.Created,
		"merged", record.Merged,
		"dropped", record.Dropped,
		"total_threats", analysis.TotalThreats,
		"degraded_sources", analysis.DegradedSources,
		"duration", record.FinishedAt.Sub(record.StartedAt))

	o.publish(core.IngestionFinished{
		RunID:       run.id,
		NewCount:    record.Created,
		MergedCount: record.Merged,
		Sources:     len(usable),
		Failures:    len(outcomes) - len(usable),
		FinishedAt:  record.FinishedAt,
	})
	return analysis, nil
}

// commitCursors advances incremental providers whose records made it into a
// completed run. Fetches from failed or cancelled runs are never committed.
func (o *Orchestrator) commitCursors(usable []providerOutcome, since time.Time) {
	names := make(map[string]bool, len(usable))
	for _, out := range usable {
		names[out.name] = true
	}
	for _, p := range o.deps.Providers {
		if c, ok := p.(feeds.Committer); ok && names[p.Name()] {
			c.Commit(since)
		}
	}
}

func (o *Orchestrator) fail(record *core.IngestionRun, err error) error {
	record.State = core.RunStateFailed
	record.Error = err.Error()
	o.finish(record)
	o.logger.Errorw("Ingestion run failed",
		"run_id", record.ID,
		"error", err,
		"failed_providers", record.FailedProviders())
	return err
}

// fetchAll fans out to every provider and joins at the run deadline.
// Providers that have not returned by then are counted as failures; their
// goroutines are cancelled and reaped in the background.
func (o *Orchestrator) fetchAll(ctx context.Context, runID string) []providerOutcome {
	providers := o.deps.Providers
	if len(providers) == 0 {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.RunDeadline)
	defer cancel()

	results := make(chan providerOutcome, len(providers))
	var g errgroup.Group
	g.SetLimit(len(providers))
	for _, p := range providers {
		g.Go(func() error {
			start := time.Now()
			threats, err := fetchProvider(fetchCtx, p, o.logger)
			results <- providerOutcome{name: p.Name(), threats: threats, err: err, duration: time.Since(start)}
			return nil
		})
	}

	collected := make(map[string]providerOutcome, len(providers))
join:
	for len(collected) < len(providers) {
		select {
		case r := <-results:
			collected[r.name] = r
		case <-fetchCtx.Done():
			break join
		}
	}
	// pick up anything that finished together with the deadline
drain:
	for len(collected) < len(providers) {
		select {
		case r := <-results:
			collected[r.name] = r
		default:
			break drain
		}
	}

	if len(collected) == len(providers) {
		_ = g.Wait()
	} else {
		o.background.Add(1)
		go func() {
			defer o.background.Done()
			_ = g.Wait()
		}()
	}

	outcomes := make([]providerOutcome, 0, len(providers))
	for _, p := range providers {
		out, ok := collected[p.Name()]
		if !ok {
			out = providerOutcome{
				name:     p.Name(),
				err:      core.NewFeedUnavailable(p.Name(), fmt.Errorf("still fetching at run deadline: %w", fetchCtx.Err())),
				duration: o.cfg.RunDeadline,
			}
		}
		if out.err != nil && !errors.Is(out.err, core.ErrFeedUnavailable) {
			out.err = core.NewFeedUnavailable(out.name, out.err)
		}
		if out.err != nil {
			out.threats = nil
			metrics.FeedFetchFailures.WithLabelValues(out.name).Inc()
			o.logger.Warnw("Feed provider failed",
				"run_id", runID,
				"provider", out.name,
				"error", out.err)
		} else {
			metrics.FeedRecordsFetched.WithLabelValues(out.name).Add(float64(len(out.threats)))
			o.logger.Infow("Feed provider fetched",
				"run_id", runID,
				"provider", out.name,
				"records", len(out.threats),
				"duration", out.duration)
		}
		metrics.FeedFetchDuration.WithLabelValues(out.name).Observe(out.duration.Seconds())
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// fetchProvider runs one fetch; a panicking provider counts as a failed fetch
func fetchProvider(ctx context.Context, p feeds.Provider, logger *zap.SugaredLogger) (threats []core.RawThreat, err error) {
	defer goroutine.RecoverError("provider "+p.Name(), &err, logger)
	return p.FetchThreats(ctx)
}

// process runs normalize -> classify -> upsert for every collected record.
// Providers are processed concurrently; the store serializes per key.
// Per-record failures drop the record. Only cancellation stops processing.
func (o *Orchestrator) process(ctx context.Context, outcomes []providerOutcome) (*ingestStats, error) {
	stats := &ingestStats{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(outcomes))

	for _, out := range outcomes {
		g.Go(func() error {
			for _, raw := range out.threats {
				if err := gctx.Err(); err != nil {
					return err
				}
				raw.Source = out.name
				o.ingest(gctx, raw, stats)
			}
			return nil
		})
	}
	err := g.Wait()
	return stats, err
}

func (o *Orchestrator) ingest(ctx context.Context, raw core.RawThreat, stats *ingestStats) {
	ind, err := Normalize(raw)
	if err != nil {
		stats.dropped.Add(1)
		metrics.IndicatorsProcessed.WithLabelValues("dropped").Inc()
		o.logger.Debugw("Dropping record",
			"provider", raw.Source,
			"error", err)
		return
	}

	verdict := o.deps.Classifier.Classify(raw, raw.Source)
	ind.Confidence = verdict.Confidence
	ind.ThreatType = verdict.ThreatType

	outcome, err := o.deps.Store.Upsert(ctx, ind)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		stats.dropped.Add(1)
		metrics.IndicatorsProcessed.WithLabelValues("dropped").Inc()
		o.logger.Warnw("Failed to upsert indicator",
			"provider", raw.Source,
			"indicator", ind.NormalizedIndicator,
			"error", err)
		return
	}

	switch outcome {
	case core.UpsertCreated:
		stats.created.Add(1)
	case core.UpsertMerged:
		stats.merged.Add(1)
	}
	metrics.IndicatorsProcessed.WithLabelValues(string(outcome)).Inc()
}

// =============================================================================
// Side effects
// =============================================================================

func (o *Orchestrator) saveRun(record *core.IngestionRun) {
	ctx, cancel := context.WithTimeout(context.Background(), runRecordTimeout)
	defer cancel()
	snapshot := *record
	if err := o.deps.Analyses.SaveRun(ctx, &snapshot); err != nil {
		o.logger.Warnw("Failed to record ingestion run", "run_id", record.ID, "error", err)
	}
}

func (o *Orchestrator) cacheSnapshot(analysis *core.ThreatAnalysis) {
	if o.deps.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
	defer cancel()
	if err := o.deps.Cache.StoreSnapshot(ctx, analysis); err != nil {
		o.logger.Warnw("Failed to cache snapshot", "run_id", analysis.RunID, "error", err)
	}
}

func (o *Orchestrator) publish(event core.IngestionFinished) {
	if o.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
	defer cancel()
	if err := o.deps.Publisher.Publish(ctx, event); err != nil {
		o.logger.Warnw("Failed to publish IngestionFinished", "run_id", event.RunID, "error", err)
	}
}

// =============================================================================
// Queries
// =============================================================================

// Snapshot returns the latest completed ThreatAnalysis, or nil before the first one
func (o *Orchestrator) Snapshot() *core.ThreatAnalysis {
	return o.snapshot.Load()
}

// State returns the current state machine position
func (o *Orchestrator) State() core.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a point-in-time view of the orchestrator
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{State: o.state, LastRun: o.lastRun}
	if o.current != nil {
		started := o.current.startedAt
		st.CurrentRunID = o.current.id
		st.CurrentTrigger = o.current.trigger
		st.StartedAt = &started
	}
	o.mu.Unlock()

	if snap := o.snapshot.Load(); snap != nil {
		st.SnapshotRunID = snap.RunID
	}
	st.Providers = make([]string, 0, len(o.deps.Providers))
	for _, p := range o.deps.Providers {
		st.Providers = append(st.Providers, p.Name())
	}
	return st
}

// Restore loads the last persisted snapshot so readers have data before the first run
func (o *Orchestrator) Restore(ctx context.Context) error {
	analysis, err := LoadLatestAnalysis(ctx, o.deps.Cache, o.deps.Analyses, o.logger)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	o.snapshot.CompareAndSwap(nil, analysis)
	return nil
}

// Wait blocks until background runs and abandoned fetches have returned
func (o *Orchestrator) Wait() {
	o.background.Wait()
}
