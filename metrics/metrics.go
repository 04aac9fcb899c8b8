package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishwatch_ingestion_runs_total",
			Help: "Total number of ingestion runs by final state",
		},
		[]string{"state"},
	)

	IngestionRunsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phishwatch_ingestion_runs_rejected_total",
			Help: "Total number of triggers rejected because a run was already in progress",
		},
	)

	IngestionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phishwatch_ingestion_run_duration_seconds",
			Help:    "Wall time of ingestion runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	LastSuccessfulRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "phishwatch_ingestion_last_success_timestamp_seconds",
			Help: "Unix time of the last completed ingestion run",
		},
	)

	FeedFetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishwatch_feed_fetch_failures_total",
			Help: "Total number of failed feed fetches",
		},
		[]string{"provider"},
	)

	FeedRecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishwatch_feed_records_fetched_total",
			Help: "Total number of raw records returned by feed providers",
		},
		[]string{"provider"},
	)

	FeedFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phishwatch_feed_fetch_duration_seconds",
			Help:    "Time taken to fetch a feed",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	IndicatorsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishwatch_indicators_processed_total",
			Help: "Total number of raw records processed by outcome (created, merged, dropped)",
		},
		[]string{"outcome"},
	)

	UpsertConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phishwatch_upsert_conflict_retries_total",
			Help: "Total number of indicator upserts retried after a uniqueness conflict",
		},
	)

	IndicatorsDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phishwatch_indicators_deactivated_total",
			Help: "Total number of indicators deactivated by the aging policy",
		},
	)

	ActiveThreats = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "phishwatch_active_threats",
			Help: "Active threat indicators in the latest snapshot",
		},
	)

	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishwatch_event_publish_failures_total",
			Help: "Total number of failed IngestionFinished deliveries",
		},
		[]string{"publisher"},
	)

	SnapshotCacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishwatch_snapshot_cache_errors_total",
			Help: "Total number of snapshot cache errors by operation",
		},
		[]string{"operation"},
	)
)
