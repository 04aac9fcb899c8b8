package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"phishwatch/core"

	"go.uber.org/zap"
)

// analysisRetention is how many snapshots are kept; older ones are pruned on save
const analysisRetention = 100

// SQLiteAnalysisStore persists ThreatAnalysis snapshots and run history
type SQLiteAnalysisStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

var _ core.AnalysisStore = (*SQLiteAnalysisStore)(nil)

// NewSQLiteAnalysisStore creates the snapshot and run history store
func NewSQLiteAnalysisStore(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAnalysisStore {
	return &SQLiteAnalysisStore{sqlite: sqlite, logger: logger}
}

// SaveAnalysis stores a snapshot and prunes old ones in the same transaction
func (s *SQLiteAnalysisStore) SaveAnalysis(ctx context.Context, analysis *core.ThreatAnalysis) error {
	if analysis == nil || analysis.RunID == "" {
		return errors.New("analysis must carry a run id")
	}
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	return s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO threat_analyses (run_id, generated_at, payload) VALUES (?, ?, ?)`,
			analysis.RunID, formatTime(analysis.GeneratedAt), string(payload)); err != nil {
			return fmt.Errorf("failed to save analysis: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM threat_analyses WHERE run_id NOT IN (
				SELECT run_id FROM threat_analyses ORDER BY generated_at DESC LIMIT ?)`,
			analysisRetention); err != nil {
			return fmt.Errorf("failed to prune analyses: %w", err)
		}
		return nil
	})
}

// LatestAnalysis returns the most recently generated snapshot
func (s *SQLiteAnalysisStore) LatestAnalysis(ctx context.Context) (*core.ThreatAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var payload string
	err := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT payload FROM threat_analyses ORDER BY generated_at DESC LIMIT 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}

	var analysis core.ThreatAnalysis
	if err := safeUnmarshalJSON(payload, &analysis); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return &analysis, nil
}

// SaveRun inserts or updates a run history record
func (s *SQLiteAnalysisStore) SaveRun(ctx context.Context, run *core.IngestionRun) error {
	if run == nil || run.ID == "" {
		return errors.New("run must carry an id")
	}
	providers, err := json.Marshal(run.Providers)
	if err != nil {
		return fmt.Errorf("failed to marshal provider results: %w", err)
	}

	var finishedAt interface{}
	if !run.FinishedAt.IsZero() {
		finishedAt = formatTime(run.FinishedAt)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO ingestion_runs (id, trigger_type, state, started_at, finished_at, providers,
			created_count, merged_count, dropped_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			finished_at = excluded.finished_at,
			providers = excluded.providers,
			created_count = excluded.created_count,
			merged_count = excluded.merged_count,
			dropped_count = excluded.dropped_count,
			error = excluded.error`,
		run.ID, string(run.Trigger), string(run.State), formatTime(run.StartedAt), finishedAt,
		string(providers), run.Created, run.Merged, run.Dropped, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first
func (s *SQLiteAnalysisStore) ListRuns(ctx context.Context, limit int) ([]*core.IngestionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, trigger_type, state, started_at, finished_at, providers,
			created_count, merged_count, dropped_count, error
		FROM ingestion_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*core.IngestionRun
	for rows.Next() {
		var (
			run                core.IngestionRun
			trigger, state     string
			startedAt          string
			finishedAt, runErr sql.NullString
			providers          sql.NullString
		)
		if err := rows.Scan(&run.ID, &trigger, &state, &startedAt, &finishedAt, &providers,
			&run.Created, &run.Merged, &run.Dropped, &runErr); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Trigger = core.RunTrigger(trigger)
		run.State = core.RunState(state)
		run.Error = runErr.String
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			if run.FinishedAt, err = parseTime(finishedAt.String); err != nil {
				return nil, err
			}
		}
		if err := safeUnmarshalJSON(providers.String, &run.Providers); err != nil {
			s.logger.Warnw("Failed to decode provider results", "run_id", run.ID, "error", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
