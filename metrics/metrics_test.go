package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Metrics are global, so just assert they were created on import
	assert.NotNil(t, IngestionRuns)
	assert.NotNil(t, IngestionRunsRejected)
	assert.NotNil(t, IngestionRunDuration)
	assert.NotNil(t, LastSuccessfulRun)
	assert.NotNil(t, FeedFetchFailures)
	assert.NotNil(t, FeedRecordsFetched)
	assert.NotNil(t, FeedFetchDuration)
	assert.NotNil(t, IndicatorsProcessed)
	assert.NotNil(t, UpsertConflictRetries)
	assert.NotNil(t, IndicatorsDeactivated)
	assert.NotNil(t, ActiveThreats)
	assert.NotNil(t, EventPublishFailures)
	assert.NotNil(t, SnapshotCacheErrors)
}

func TestCounterVecLabels(t *testing.T) {
	before := testutil.ToFloat64(IndicatorsProcessed.WithLabelValues("created"))
	IndicatorsProcessed.WithLabelValues("created").Add(2)
	assert.Equal(t, before+2, testutil.ToFloat64(IndicatorsProcessed.WithLabelValues("created")))
}
