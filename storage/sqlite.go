package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections for the indicator store.
// WAL mode allows concurrent readers next to a single writer, so reads and
// writes use separate pools.
type SQLite struct {
	WriteDB *sql.DB // MaxOpenConns=1, the only writer
	ReadDB  *sql.DB // query_only, concurrent readers
	Path    string
	logger  *zap.SugaredLogger
}

// connection pragmas are applied by the driver to every pooled connection
const basePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// buildDSN builds a modernc.org/sqlite DSN for the given path
func buildDSN(dbPath string, readOnly bool) string {
	dsn := dbPath + "?" + basePragmas
	if dbPath == ":memory:" {
		// Both pools must see the same in-memory database
		dsn = "file::memory:?cache=shared&" + basePragmas
	}
	if readOnly {
		dsn += "&_pragma=query_only(1)"
	} else {
		dsn += "&_txlock=immediate"
	}
	return dsn
}

// validateDatabasePath rejects paths that try to escape via traversal
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path is empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if strings.Contains(filepath.ToSlash(dbPath), "../") {
		return fmt.Errorf("database path must not contain '..': %s", dbPath)
	}
	if strings.ContainsAny(dbPath, "?#") {
		return fmt.Errorf("database path must not contain query characters: %s", dbPath)
	}
	return nil
}

// NewSQLite opens the database, configures both pools and creates the schema
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	writeDB, err := sql.Open("sqlite", buildDSN(dbPath, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0) // in-memory databases vanish with their last connection

	if err := writeDB.Ping(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to ping SQLite write database: %w", err)
	}

	var journalMode string
	if err := writeDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		_ = writeDB.Close()
		return nil, fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}

	s := &SQLite{WriteDB: writeDB, Path: dbPath, logger: logger}

	// Schema must exist before the read pool opens in query_only mode
	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	readDB, err := sql.Open("sqlite", buildDSN(dbPath, true))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxIdleTime(10 * time.Minute)
	if err := readDB.Ping(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to ping SQLite read database: %w", err)
	}
	s.ReadDB = readDB

	logger.Infow("SQLite database initialized",
		"path", dbPath,
		"journal_mode", journalMode)

	return s, nil
}

// WithTransaction executes fn within a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// createTables creates the indicator table, snapshots and run history
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threat_indicators (
		id TEXT PRIMARY KEY,
		indicator TEXT NOT NULL,
		normalized_indicator TEXT,
		indicator_type TEXT NOT NULL,
		threat_type TEXT NOT NULL,
		source TEXT NOT NULL,
		confidence INTEGER NOT NULL DEFAULT 0 CHECK (confidence BETWEEN 0 AND 100),
		is_active INTEGER NOT NULL DEFAULT 1,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		tags TEXT, -- JSON array
		description TEXT
	);
	-- One live row per normalized indicator; rows without a key are not constrained
	CREATE UNIQUE INDEX IF NOT EXISTS idx_threat_indicators_normalized
		ON threat_indicators(normalized_indicator) WHERE normalized_indicator IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_threat_indicators_first_seen ON threat_indicators(first_seen DESC);
	CREATE INDEX IF NOT EXISTS idx_threat_indicators_is_active ON threat_indicators(is_active);
	CREATE INDEX IF NOT EXISTS idx_threat_indicators_active_type ON threat_indicators(is_active, threat_type);
	CREATE INDEX IF NOT EXISTS idx_threat_indicators_last_seen ON threat_indicators(last_seen);

	CREATE TABLE IF NOT EXISTS threat_analyses (
		run_id TEXT PRIMARY KEY,
		generated_at TEXT NOT NULL,
		payload TEXT NOT NULL -- JSON ThreatAnalysis
	);
	CREATE INDEX IF NOT EXISTS idx_threat_analyses_generated_at ON threat_analyses(generated_at DESC);

	CREATE TABLE IF NOT EXISTS ingestion_runs (
		id TEXT PRIMARY KEY,
		trigger_type TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		providers TEXT, -- JSON array of provider results
		created_count INTEGER NOT NULL DEFAULT 0,
		merged_count INTEGER NOT NULL DEFAULT 0,
		dropped_count INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_ingestion_runs_started_at ON ingestion_runs(started_at DESC);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes both pools
func (s *SQLite) Close() error {
	var firstErr error
	if s.ReadDB != nil {
		if err := s.ReadDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.WriteDB != nil {
		if err := s.WriteDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// timeLayout is fixed width so stored timestamps sort lexicographically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy reports whether err is a transient lock failure
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
