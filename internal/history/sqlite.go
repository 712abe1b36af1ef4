package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-benq/internal/bridges/benq"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// timestampLayout is fixed width so text ordering matches time ordering.
	timestampLayout = "2006-01-02T15:04:05.000000Z"
)

// SQLiteRepository implements Repository on the bridge's SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository on an open, migrated database.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteRepository: Repository instance ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordStateChange inserts one state change.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device identifier
//   - key: Lowercase command key
//   - previous: Value before the change (empty when none was cached)
//   - value: Value after the change
//   - at: When the change was observed; zero means now
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) RecordStateChange(ctx context.Context, deviceID, key, previous, value string, at time.Time) error {
	if deviceID == "" || key == "" {
		return fmt.Errorf("%w: device id and key are required", ErrInvalidArgument)
	}
	if at.IsZero() {
		at = time.Now()
	}

	var prev sql.NullString
	if previous != "" {
		prev = sql.NullString{String: previous, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO state_history (device_id, key, previous, value, recorded_at) VALUES (?, ?, ?, ?, ?)",
		deviceID,
		key,
		prev,
		value,
		formatTimestamp(at),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns recent state changes for a device, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device identifier
//   - key: Optional key filter
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []Entry: History entries ordered by recorded_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteRepository) GetHistory(ctx context.Context, deviceID, key string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `SELECT id, device_id, key, previous, value, recorded_at
		 FROM state_history
		 WHERE device_id = ?`
	args := []any{deviceID}
	if key != "" {
		query += " AND key = ?"
		args = append(args, key)
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var prev sql.NullString
		var recordedAt string

		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.Key, &prev, &entry.Value, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		entry.Previous = prev.String

		entry.RecordedAt, err = parseTimestamp(recordedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes state changes older than the given duration.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - olderThan: Retention window (entries older than now-olderThan are deleted)
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", ErrInvalidArgument)
	}

	cutoff := formatTimestamp(time.Now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE recorded_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rowsAffected, nil
}

// SaveExamination stores an examination report. Saving a report with an
// existing ID replaces it.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device the report belongs to
//   - report: Complete or partial report
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) SaveExamination(ctx context.Context, deviceID string, report *benq.ExaminationReport) error {
	if deviceID == "" || report == nil || report.ID == "" {
		return fmt.Errorf("%w: device id and report id are required", ErrInvalidArgument)
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshalling report: %w", err)
	}

	finished := report.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO examination_reports
		 (id, device_id, model, started_at, finished_at, complete, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.ID,
		deviceID,
		report.Model,
		formatTimestamp(report.StartedAt),
		formatTimestamp(finished),
		report.Complete,
		string(reportJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting examination report: %w", err)
	}
	return nil
}

// LatestExamination returns the most recently started report for a device.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device identifier
//
// Returns:
//   - *benq.ExaminationReport: The decoded report
//   - error: ErrNotFound when the device was never examined
func (r *SQLiteRepository) LatestExamination(ctx context.Context, deviceID string) (*benq.ExaminationReport, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}

	var reportJSON string
	err := r.db.QueryRowContext(ctx,
		`SELECT report FROM examination_reports
		 WHERE device_id = ?
		 ORDER BY started_at DESC
		 LIMIT 1`,
		deviceID,
	).Scan(&reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying examination report: %w", err)
	}

	var report benq.ExaminationReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, fmt.Errorf("unmarshalling report: %w", err)
	}
	return &report, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTimestamp parses a timestamp stored in SQLite. Rows written by
// hand with plain RFC 3339 are accepted too.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("recorded_at is empty")
	}

	timestamp, err := time.Parse(timestampLayout, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse(time.RFC3339Nano, value)
	if fallbackErr == nil {
		return fallback.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("parsing recorded_at: %w", err)
}
