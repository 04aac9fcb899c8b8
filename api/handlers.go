package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"phishwatch/core"
)

const (
	defaultRecentLimit = 10
	defaultRunsLimit   = 20
)

// recentQuery holds validated /recent parameters
type recentQuery struct {
	Limit    int    `validate:"gte=1"`
	Category string `validate:"omitempty,oneof=phishing malware spam other"`
	Balanced bool
}

// runsQuery holds validated /runs parameters
type runsQuery struct {
	Limit int `validate:"gte=1,lte=500"`
}

// indicatorView adds the derived threat level to an indicator
type indicatorView struct {
	*core.Indicator
	ThreatLevel core.ThreatLevel `json:"threat_level"`
}

type recentResponse struct {
	Threats []indicatorView `json:"threats"`
	Count   int             `json:"count"`
}

type runResponse struct {
	RunID string `json:"run_id"`
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

// getAnalysis returns the latest completed snapshot
func (a *API) getAnalysis(w http.ResponseWriter, r *http.Request) {
	snapshot := a.engine.Snapshot()
	if snapshot == nil {
		writeError(w, http.StatusNotFound, "no threat analysis available yet", nil, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, snapshot, a.logger)
}

// getRecentThreats returns recent active indicators, optionally filtered or balanced
func (a *API) getRecentThreats(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultRecentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	balanced, err := boolParam(r, "balanced")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	q := recentQuery{Limit: limit, Category: r.URL.Query().Get("category"), Balanced: balanced}
	if err := a.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query: limit must be positive and category one of phishing, malware, spam, other", err, a.logger)
		return
	}
	if q.Limit > a.cfg.MaxRecentLimit {
		q.Limit = a.cfg.MaxRecentLimit
	}

	threats, err := a.cachedRecent(r, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load recent threats", err, a.logger)
		return
	}

	views := make([]indicatorView, len(threats))
	for i, ind := range threats {
		views[i] = indicatorView{Indicator: ind, ThreatLevel: ind.ThreatLevel()}
	}
	writeJSON(w, http.StatusOK, recentResponse{Threats: views, Count: len(views)}, a.logger)
}

// cachedRecent serves repeated queries from the LRU until a new snapshot lands
func (a *API) cachedRecent(r *http.Request, q recentQuery) ([]*core.Indicator, error) {
	runID := ""
	if snap := a.engine.Snapshot(); snap != nil {
		runID = snap.RunID
	}

	a.cacheMu.Lock()
	if runID != a.cacheRunID {
		a.recentCache.Purge()
		a.cacheRunID = runID
	}
	gen := a.cacheGen
	a.cacheMu.Unlock()

	// gen in the key keeps a query racing an invalidation from repopulating stale rows
	key := fmt.Sprintf("%s|%d|%d|%s|%t", runID, gen, q.Limit, q.Category, q.Balanced)
	if threats, ok := a.recentCache.Get(key); ok {
		return threats, nil
	}

	threats, err := a.recent.RecentThreats(r.Context(), q.Limit, core.ThreatType(q.Category), q.Balanced)
	if err != nil {
		return nil, err
	}
	a.recentCache.Add(key, threats)
	return threats, nil
}

// InvalidateRecent drops cached recent-threat results. The sweeper calls it
// after deactivating rows between runs.
func (a *API) InvalidateRecent() {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.cacheGen++
	a.recentCache.Purge()
}

// triggerRun starts a manual ingestion run in the background
func (a *API) triggerRun(w http.ResponseWriter, r *http.Request) {
	runID, err := a.engine.Start(r.Context(), core.RunTriggerManual)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "an ingestion run is already in progress", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start ingestion run", err, a.logger)
		return
	}
	a.logger.Infow("Manual ingestion run requested", "run_id", runID, "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, runResponse{RunID: runID}, a.logger)
}

// cancelRun aborts the run in progress
func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	if !a.engine.Cancel() {
		writeError(w, http.StatusNotFound, "no ingestion run in progress", nil, a.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true}, a.logger)
}

// listRuns returns recent run history, newest first
func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultRunsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	q := runsQuery{Limit: limit}
	if err := a.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", err, a.logger)
		return
	}

	runs, err := a.runs.ListRuns(r.Context(), q.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list ingestion runs", err, a.logger)
		return
	}
	if runs == nil {
		runs = []*core.IngestionRun{}
	}
	writeJSON(w, http.StatusOK, runs, a.logger)
}

// getStatus returns the orchestrator state
func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Status(), a.logger)
}

// healthCheck reports liveness and whether a snapshot is being served
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := a.engine.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"state":        status.State,
		"has_snapshot": status.SnapshotRunID != "",
	}, a.logger)
}
