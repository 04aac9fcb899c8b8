package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"phishwatch/config"
	"phishwatch/core"
	"phishwatch/threat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeEngine struct {
	mu       sync.Mutex
	snapshot *core.ThreatAnalysis
	running  bool
	startErr error
	started  int
}

func (f *fakeEngine) Start(ctx context.Context, trigger core.RunTrigger) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.running {
		return "", core.ErrAlreadyRunning
	}
	f.running = true
	f.started++
	return "run-42", nil
}

func (f *fakeEngine) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.running
	f.running = false
	return was
}

func (f *fakeEngine) Status() threat.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := threat.Status{State: core.RunStateIdle}
	if f.running {
		st.State = core.RunStateRunning
		st.CurrentRunID = "run-42"
	}
	if f.snapshot != nil {
		st.SnapshotRunID = f.snapshot.RunID
	}
	return st
}

func (f *fakeEngine) Snapshot() *core.ThreatAnalysis {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeEngine) setSnapshot(s *core.ThreatAnalysis) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = s
}

type fakeRecent struct {
	calls    int
	last     []interface{}
	err      error
	response []*core.Indicator
}

func (f *fakeRecent) RecentThreats(ctx context.Context, limit int, category core.ThreatType, balanced bool) ([]*core.Indicator, error) {
	f.calls++
	f.last = []interface{}{limit, category, balanced}
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type fakeRuns struct {
	runs  []*core.IngestionRun
	limit int
}

func (f *fakeRuns) ListRuns(ctx context.Context, limit int) ([]*core.IngestionRun, error) {
	f.limit = limit
	return f.runs, nil
}

func setupAPI(t *testing.T) (*API, *fakeEngine, *fakeRecent, *fakeRuns) {
	t.Helper()
	engine := &fakeEngine{}
	recent := &fakeRecent{response: []*core.Indicator{
		{NormalizedIndicator: "paypal-login.example", ThreatType: core.ThreatTypePhishing, Confidence: 40},
		{NormalizedIndicator: "dropper.example", ThreatType: core.ThreatTypeMalware, Confidence: 65},
	}}
	runs := &fakeRuns{}
	a, err := NewAPI(engine, recent, runs, config.APIConfig{MaxRecentLimit: 50, RecentCacheSize: 8}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return a, engine, recent, runs
}

func do(t *testing.T, a *API, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func TestGetAnalysis(t *testing.T) {
	a, engine, _, _ := setupAPI(t)

	rr := do(t, a, http.MethodGet, BasePath+"/analysis")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "no threat analysis")

	engine.setSnapshot(&core.ThreatAnalysis{
		RunID:        "run-1",
		TotalThreats: 5,
		TopThreatTypes: []core.ThreatTypeCount{
			{Type: core.ThreatTypePhishing, Count: 3},
			{Type: core.ThreatTypeMalware, Count: 2},
		},
		GeneratedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	rr = do(t, a, http.MethodGet, BasePath+"/analysis")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var got core.ThreatAnalysis
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, int64(5), got.TotalThreats)
	assert.Equal(t, core.ThreatTypePhishing, got.TopThreatTypes[0].Type)
}

func TestGetRecentThreats(t *testing.T) {
	a, _, recent, _ := setupAPI(t)

	rr := do(t, a, http.MethodGet, BasePath+"/recent?limit=5&category=phishing&balanced=true")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []interface{}{5, core.ThreatTypePhishing, true}, recent.last)

	var body struct {
		Threats []struct {
			NormalizedIndicator string           `json:"normalized_indicator"`
			ThreatLevel         core.ThreatLevel `json:"threat_level"`
		} `json:"threats"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, core.ThreatLevelHigh, body.Threats[0].ThreatLevel)
	assert.Equal(t, core.ThreatLevelMedium, body.Threats[1].ThreatLevel)
}

func TestGetRecentThreats_Defaults(t *testing.T) {
	a, _, recent, _ := setupAPI(t)

	rr := do(t, a, http.MethodGet, BasePath+"/recent")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []interface{}{defaultRecentLimit, core.ThreatType(""), false}, recent.last)

	rr = do(t, a, http.MethodGet, BasePath+"/recent?limit=5000")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 50, recent.last[0])
}

func TestGetRecentThreats_BadInput(t *testing.T) {
	a, _, recent, _ := setupAPI(t)

	for _, q := range []string{"limit=abc", "limit=0", "limit=-3", "category=ransomware", "balanced=maybe"} {
		t.Run(q, func(t *testing.T) {
			rr := do(t, a, http.MethodGet, BasePath+"/recent?"+q)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.True(t, strings.HasPrefix(rr.Body.String(), `{"error":`))
		})
	}
	assert.Zero(t, recent.calls)
}

func TestGetRecentThreats_CacheFollowsSnapshot(t *testing.T) {
	a, engine, recent, _ := setupAPI(t)
	engine.setSnapshot(&core.ThreatAnalysis{RunID: "run-1"})

	do(t, a, http.MethodGet, BasePath+"/recent?limit=3")
	do(t, a, http.MethodGet, BasePath+"/recent?limit=3")
	assert.Equal(t, 1, recent.calls)

	engine.setSnapshot(&core.ThreatAnalysis{RunID: "run-2"})
	do(t, a, http.MethodGet, BasePath+"/recent?limit=3")
	assert.Equal(t, 2, recent.calls)
}

func TestGetRecentThreats_InvalidatedBetweenRuns(t *testing.T) {
	a, engine, recent, _ := setupAPI(t)
	engine.setSnapshot(&core.ThreatAnalysis{RunID: "run-1"})

	do(t, a, http.MethodGet, BasePath+"/recent?limit=3")
	do(t, a, http.MethodGet, BasePath+"/recent?limit=3")
	assert.Equal(t, 1, recent.calls)

	a.InvalidateRecent()
	do(t, a, http.MethodGet, BasePath+"/recent?limit=3")
	assert.Equal(t, 2, recent.calls, "same snapshot, but rows changed underneath")

	do(t, a, http.MethodGet, BasePath+"/recent?limit=3")
	assert.Equal(t, 2, recent.calls)
}

func TestGetRecentThreats_StoreError(t *testing.T) {
	a, _, recent, _ := setupAPI(t)
	recent.err = errors.New("database is locked")

	rr := do(t, a, http.MethodGet, BasePath+"/recent")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestTriggerAndCancelRun(t *testing.T) {
	a, _, _, _ := setupAPI(t)

	rr := do(t, a, http.MethodPost, BasePath+"/runs")
	require.Equal(t, http.StatusAccepted, rr.Code)
	var started runResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	assert.Equal(t, "run-42", started.RunID)

	rr = do(t, a, http.MethodPost, BasePath+"/runs")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, a, http.MethodGet, BasePath+"/status")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"state":"running"`)

	rr = do(t, a, http.MethodDelete, BasePath+"/runs/current")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = do(t, a, http.MethodDelete, BasePath+"/runs/current")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTriggerRun_Failure(t *testing.T) {
	a, engine, _, _ := setupAPI(t)
	engine.startErr = errors.New("boom")

	rr := do(t, a, http.MethodPost, BasePath+"/runs")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestListRuns(t *testing.T) {
	a, _, _, runs := setupAPI(t)

	rr := do(t, a, http.MethodGet, BasePath+"/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, defaultRunsLimit, runs.limit)
	assert.JSONEq(t, "[]", rr.Body.String())

	runs.runs = []*core.IngestionRun{{ID: "r1", State: core.RunStateCompleted}}
	rr = do(t, a, http.MethodGet, BasePath+"/runs?limit=5")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, runs.limit)
	assert.Contains(t, rr.Body.String(), `"id":"r1"`)

	rr = do(t, a, http.MethodGet, BasePath+"/runs?limit=9999")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	a, _, _, _ := setupAPI(t)

	rr := do(t, a, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
	assert.Contains(t, rr.Body.String(), `"has_snapshot":false`)

	rr = do(t, a, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	a, _, _, _ := setupAPI(t)
	rr := do(t, a, http.MethodPut, BasePath+"/runs")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSanitizeErrorMessage(t *testing.T) {
	msg := sanitizeErrorMessage("dial redis://:hunter2@cache:6379 failed api_key=abc123")
	assert.NotContains(t, msg, "hunter2")
	assert.NotContains(t, msg, "abc123")
	assert.Contains(t, msg, "[CONNECTION]")

	long := sanitizeErrorMessage(strings.Repeat("x", 1000))
	assert.Len(t, long, maxErrorMessageLength)
}
