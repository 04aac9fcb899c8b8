package core

import "time"

// ThreatTypeCount is one entry of the threat type histogram
type ThreatTypeCount struct {
	Type  ThreatType `json:"type" msgpack:"type" yaml:"type"`
	Count int64      `json:"count" msgpack:"count" yaml:"count"`
}

// ThreatAnalysis is the pre-aggregated dashboard snapshot.
// It is recomputed from the indicator table after each run and replaced wholesale.
type ThreatAnalysis struct {
	RunID           string                `json:"run_id" msgpack:"run_id" yaml:"run_id"`
	GeneratedAt     time.Time             `json:"generated_at" msgpack:"generated_at" yaml:"generated_at"`
	TotalThreats    int64                 `json:"total_threats" msgpack:"total_threats" yaml:"total_threats"`
	NewThreatsToday int64                 `json:"new_threats_today" msgpack:"new_threats_today" yaml:"new_threats_today"`
	ActiveSources   int64                 `json:"active_sources" msgpack:"active_sources" yaml:"active_sources"`
	TopThreatTypes  []ThreatTypeCount     `json:"top_threat_types" msgpack:"top_threat_types" yaml:"top_threat_types"`
	ByThreatLevel   map[ThreatLevel]int64 `json:"by_threat_level" msgpack:"by_threat_level" yaml:"by_threat_level"`
	RecentThreats   []*Indicator          `json:"recent_threats" msgpack:"recent_threats" yaml:"recent_threats"`
	// DegradedSources lists providers that failed during the run that produced this snapshot
	DegradedSources []string `json:"degraded_sources,omitempty" msgpack:"degraded_sources" yaml:"degraded_sources,omitempty"`
}

// IngestionFinished is emitted once per completed run. Counts only.
type IngestionFinished struct {
	RunID       string    `json:"run_id"`
	NewCount    int       `json:"new_count"`
	MergedCount int       `json:"merged_count"`
	Sources     int       `json:"sources"`
	Failures    int       `json:"failures"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RunState is the orchestrator's state machine position
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// RunTrigger records what started a run
type RunTrigger string

const (
	RunTriggerSchedule RunTrigger = "schedule"
	RunTriggerManual   RunTrigger = "manual"
	RunTriggerStartup  RunTrigger = "startup"
)

// ProviderResult is the outcome of one provider fetch inside a run
type ProviderResult struct {
	Provider string        `json:"provider" yaml:"provider"`
	Records  int           `json:"records" yaml:"records"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Succeeded reports whether the provider returned usable data (possibly none)
func (r ProviderResult) Succeeded() bool {
	return r.Error == ""
}

// IngestionRun is the history record of one run
type IngestionRun struct {
	ID         string           `json:"id" yaml:"id"`
	Trigger    RunTrigger       `json:"trigger" yaml:"trigger"`
	State      RunState         `json:"state" yaml:"state"`
	StartedAt  time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Providers  []ProviderResult `json:"providers" yaml:"providers"`
	Created    int              `json:"created" yaml:"created"`
	Merged     int              `json:"merged" yaml:"merged"`
	Dropped    int              `json:"dropped" yaml:"dropped"`
	Error      string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// FailedProviders returns the names of providers that failed in this run
func (r *IngestionRun) FailedProviders() []string {
	var failed []string
	for _, p := range r.Providers {
		if !p.Succeeded() {
			failed = append(failed, p.Provider)
		}
	}
	return failed
}
