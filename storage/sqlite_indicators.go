package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"phishwatch/core"
	"phishwatch/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// maxJSONSize bounds JSON columns read back from the database
	maxJSONSize = 1024 * 1024

	defaultUpsertRetries = 3
	defaultQueryTimeout  = 5 * time.Second
)

const indicatorColumns = `id, indicator, normalized_indicator, indicator_type, threat_type, source,
	confidence, is_active, first_seen, last_seen, tags, description`

// SQLiteIndicatorStore is the deduplicating indicator table backed by SQLite
type SQLiteIndicatorStore struct {
	sqlite     *SQLite
	logger     *zap.SugaredLogger
	maxRetries int
	now        func() time.Time

	// beforeInsert runs inside the insert transaction, used to simulate races in tests
	beforeInsert func(ctx context.Context, tx *sql.Tx) error
}

var _ core.IndicatorStore = (*SQLiteIndicatorStore)(nil)

// NewSQLiteIndicatorStore creates the indicator store. maxRetries bounds
// conflict retries per upsert; zero selects the default.
func NewSQLiteIndicatorStore(sqlite *SQLite, maxRetries int, logger *zap.SugaredLogger) *SQLiteIndicatorStore {
	if maxRetries <= 0 {
		maxRetries = defaultUpsertRetries
	}
	return &SQLiteIndicatorStore{
		sqlite:     sqlite,
		logger:     logger,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// safeUnmarshalJSON unmarshals a JSON column, rejecting oversized payloads
func safeUnmarshalJSON(data string, v interface{}) error {
	if data == "" || data == "null" {
		return nil
	}
	if len(data) > maxJSONSize {
		return fmt.Errorf("%w: %d bytes", ErrJSONTooLarge, len(data))
	}
	return json.Unmarshal([]byte(data), v)
}

// Upsert inserts a new indicator or merges a re-observation into the existing row.
// On merge: last_seen advances, confidence keeps the max, tags are unioned and the
// row is reactivated. Source and threat type stay with the first writer.
// The caller's struct is updated to reflect the stored row.
func (s *SQLiteIndicatorStore) Upsert(ctx context.Context, ind *core.Indicator) (core.UpsertOutcome, error) {
	if ind == nil || ind.NormalizedIndicator == "" {
		return "", errors.New("indicator has no normalized key")
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.UpsertConflictRetries.Inc()
			s.logger.Debugw("Retrying indicator upsert after conflict",
				"indicator", ind.NormalizedIndicator,
				"attempt", attempt)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}

		outcome, err := s.upsertOnce(ctx, ind)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, core.ErrUpsertConflict) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("giving up after %d attempts: %w", s.maxRetries+1, lastErr)
}

func (s *SQLiteIndicatorStore) upsertOnce(ctx context.Context, ind *core.Indicator) (core.UpsertOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var outcome core.UpsertOutcome
	err := s.sqlite.WithTransaction(ctx, func(tx *sql.Tx) error {
		now := s.now()
		row := tx.QueryRowContext(ctx,
			`SELECT `+indicatorColumns+` FROM threat_indicators WHERE normalized_indicator = ?`,
			ind.NormalizedIndicator)
		existing, err := scanIndicator(row)

		switch {
		case errors.Is(err, core.ErrNotFound):
			if s.beforeInsert != nil {
				if err := s.beforeInsert(ctx, tx); err != nil {
					return err
				}
			}
			created := *ind
			created.ID = uuid.New().String()
			created.FirstSeen = now
			created.LastSeen = now
			created.IsActive = true
			created.Tags = core.MergeTags(nil, ind.Tags)
			if err := insertIndicator(ctx, tx, &created); err != nil {
				return err
			}
			*ind = created
			outcome = core.UpsertCreated
			return nil

		case err != nil:
			return err
		}

		merged := *existing
		merged.LastSeen = now
		merged.IsActive = true
		merged.Tags = core.MergeTags(existing.Tags, ind.Tags)
		if ind.Confidence > merged.Confidence {
			merged.Confidence = ind.Confidence
		}
		if merged.Description == "" {
			merged.Description = ind.Description
		}

		tagsJSON, err := json.Marshal(merged.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE threat_indicators
			SET last_seen = ?, confidence = ?, tags = ?, is_active = 1, description = ?
			WHERE id = ?`,
			formatTime(merged.LastSeen), merged.Confidence, string(tagsJSON), merged.Description, merged.ID)
		if err != nil {
			if isBusy(err) {
				return fmt.Errorf("%w: %v", core.ErrUpsertConflict, err)
			}
			return fmt.Errorf("failed to update indicator: %w", err)
		}
		*ind = merged
		outcome = core.UpsertMerged
		return nil
	})
	if err != nil {
		if isBusy(err) && !errors.Is(err, core.ErrUpsertConflict) {
			return "", fmt.Errorf("%w: %v", core.ErrUpsertConflict, err)
		}
		return "", err
	}
	return outcome, nil
}

func insertIndicator(ctx context.Context, tx *sql.Tx, ind *core.Indicator) error {
	tagsJSON, err := json.Marshal(ind.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threat_indicators (`+indicatorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		ind.ID, ind.Indicator, ind.NormalizedIndicator, string(ind.IndicatorType), string(ind.ThreatType),
		ind.Source, ind.Confidence, formatTime(ind.FirstSeen), formatTime(ind.LastSeen),
		string(tagsJSON), ind.Description)
	if err != nil {
		if isUniqueViolation(err) || isBusy(err) {
			return fmt.Errorf("%w: %s: %v", core.ErrUpsertConflict, ind.NormalizedIndicator, err)
		}
		return fmt.Errorf("failed to insert indicator: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIndicator(row rowScanner) (*core.Indicator, error) {
	var (
		ind                 core.Indicator
		normalized          sql.NullString
		indicatorType       string
		threatType          string
		isActive            int
		firstSeen, lastSeen string
		tags, description   sql.NullString
	)
	err := row.Scan(&ind.ID, &ind.Indicator, &normalized, &indicatorType, &threatType, &ind.Source,
		&ind.Confidence, &isActive, &firstSeen, &lastSeen, &tags, &description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan indicator: %w", err)
	}

	ind.NormalizedIndicator = normalized.String
	ind.IndicatorType = core.IndicatorType(indicatorType)
	ind.ThreatType = core.ThreatType(threatType)
	ind.IsActive = isActive == 1
	ind.Description = description.String
	if ind.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, err
	}
	if ind.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if err := safeUnmarshalJSON(tags.String, &ind.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for %s: %w", ind.ID, err)
	}
	return &ind, nil
}

// GetByNormalized returns the row for a normalized indicator
func (s *SQLiteIndicatorStore) GetByNormalized(ctx context.Context, normalized string) (*core.Indicator, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+indicatorColumns+` FROM threat_indicators WHERE normalized_indicator = ?`, normalized)
	return scanIndicator(row)
}

// CountActive counts active indicators
func (s *SQLiteIndicatorStore) CountActive(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM threat_indicators WHERE is_active = 1`)
}

// CountFirstSeenBetween counts indicators first seen in [start, end)
func (s *SQLiteIndicatorStore) CountFirstSeenBetween(ctx context.Context, start, end time.Time) (int64, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM threat_indicators WHERE first_seen >= ? AND first_seen < ?`,
		formatTime(start), formatTime(end))
}

func (s *SQLiteIndicatorStore) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var n int64
	if err := s.sqlite.ReadDB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count indicators: %w", err)
	}
	return n, nil
}

// ActiveSources returns the distinct sources owning at least one active indicator
func (s *SQLiteIndicatorStore) ActiveSources(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT DISTINCT source FROM threat_indicators WHERE is_active = 1 ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

// ActiveThreatTypeCounts returns active indicator counts per threat type
func (s *SQLiteIndicatorStore) ActiveThreatTypeCounts(ctx context.Context) (map[core.ThreatType]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT threat_type, COUNT(*) FROM threat_indicators WHERE is_active = 1 GROUP BY threat_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query threat type counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.ThreatType]int64)
	for rows.Next() {
		var (
			tt string
			n  int64
		)
		if err := rows.Scan(&tt, &n); err != nil {
			return nil, fmt.Errorf("failed to scan threat type count: %w", err)
		}
		counts[core.ThreatType(tt)] = n
	}
	return counts, rows.Err()
}

// ActiveConfidenceCounts groups active indicators by threat type and confidence.
// Threat levels are bucketed in Go so the rule lives in one place.
func (s *SQLiteIndicatorStore) ActiveConfidenceCounts(ctx context.Context) ([]core.ConfidenceCount, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, `
		SELECT threat_type, confidence, COUNT(*) FROM threat_indicators
		WHERE is_active = 1 GROUP BY threat_type, confidence`)
	if err != nil {
		return nil, fmt.Errorf("failed to query confidence counts: %w", err)
	}
	defer rows.Close()

	var counts []core.ConfidenceCount
	for rows.Next() {
		var (
			c  core.ConfidenceCount
			tt string
		)
		if err := rows.Scan(&tt, &c.Confidence, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan confidence count: %w", err)
		}
		c.ThreatType = core.ThreatType(tt)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RecentActive returns up to limit active indicators, newest first_seen first
func (s *SQLiteIndicatorStore) RecentActive(ctx context.Context, limit int, threatType core.ThreatType) ([]*core.Indicator, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	query := `SELECT ` + indicatorColumns + ` FROM threat_indicators WHERE is_active = 1`
	args := []interface{}{}
	if threatType != "" {
		query += ` AND threat_type = ?`
		args = append(args, string(threatType))
	}
	query += ` ORDER BY first_seen DESC, normalized_indicator ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent indicators: %w", err)
	}
	defer rows.Close()

	indicators := make([]*core.Indicator, 0, limit)
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			s.logger.Warnw("Skipping unreadable indicator row", "error", err)
			continue
		}
		indicators = append(indicators, ind)
	}
	return indicators, rows.Err()
}

// DeactivateStale marks indicators not re-observed since cutoff as inactive.
// Rows are never deleted.
func (s *SQLiteIndicatorStore) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := s.sqlite.WriteDB.ExecContext(ctx,
		`UPDATE threat_indicators SET is_active = 0 WHERE is_active = 1 AND last_seen < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale indicators: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		s.logger.Infow("Deactivated stale indicators", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
