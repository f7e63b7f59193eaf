package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteQueue implements QueueStore using SQLite for local persistence.
// The database lives in the agent's config directory so queued results
// survive restarts.
type SQLiteQueue struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteQueue opens (creating if needed) the queue database under
// configDir.
func NewSQLiteQueue(configDir string, logger zerolog.Logger) (*SQLiteQueue, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	dbPath := filepath.Join(configDir, "queue.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteQueue{
		db:     db,
		logger: logger.With().Str("component", "queue_store").Logger(),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Debug().Str("path", dbPath).Msg("queue database opened")
	return store, nil
}

func (s *SQLiteQueue) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queued_results (
			id TEXT PRIMARY KEY,
			queued_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			synced_at TEXT,
			result TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_queued_results_status ON queued_results(status);
		CREATE INDEX IF NOT EXISTS idx_queued_results_queued_at ON queued_results(queued_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue stores a new queued result.
func (s *SQLiteQueue) Enqueue(ctx context.Context, r *QueuedResult) error {
	resultJSON, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var syncedAt sql.NullString
	if r.SyncedAt != nil {
		syncedAt = sql.NullString{String: r.SyncedAt.Format(time.RFC3339), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queued_results (id, queued_at, status, retry_count, last_error, synced_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(),
		r.QueuedAt.Format(time.RFC3339),
		string(r.Status),
		r.RetryCount,
		nullString(r.LastError),
		syncedAt,
		string(resultJSON),
	)
	if err != nil {
		return fmt.Errorf("insert queued result: %w", err)
	}
	return nil
}

// Get retrieves a queued result by ID.
func (s *SQLiteQueue) Get(ctx context.Context, id uuid.UUID) (*QueuedResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, queued_at, status, retry_count, last_error, synced_at, result
		FROM queued_results WHERE id = ?`, id.String())
	return scanQueuedResult(row)
}

// Update rewrites a queued result's mutable fields.
func (s *SQLiteQueue) Update(ctx context.Context, r *QueuedResult) error {
	var syncedAt sql.NullString
	if r.SyncedAt != nil {
		syncedAt = sql.NullString{String: r.SyncedAt.Format(time.RFC3339), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_results
		SET status = ?, retry_count = ?, last_error = ?, synced_at = ?
		WHERE id = ?`,
		string(r.Status), r.RetryCount, nullString(r.LastError), syncedAt, r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update queued result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrResultNotFound
	}
	return nil
}

// ListPending returns pending results oldest first.
func (s *SQLiteQueue) ListPending(ctx context.Context) ([]*QueuedResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queued_at, status, retry_count, last_error, synced_at, result
		FROM queued_results WHERE status = ? ORDER BY queued_at ASC`,
		string(QueuedStatusPending))
	if err != nil {
		return nil, fmt.Errorf("query pending results: %w", err)
	}
	defer rows.Close()

	var results []*QueuedResult
	for rows.Next() {
		r, err := scanQueuedResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Count returns the total number of queued entries.
func (s *SQLiteQueue) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_results`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued results: %w", err)
	}
	return count, nil
}

// Summary returns aggregate queue statistics.
func (s *SQLiteQueue) Summary(ctx context.Context) (*QueueSummary, error) {
	summary := &QueueSummary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'synced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM queued_results`).Scan(
		&summary.Total, &summary.PendingCount, &summary.SyncedCount, &summary.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("queue summary: %w", err)
	}

	var oldest sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(queued_at) FROM queued_results WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	if oldest.Valid {
		t, err := time.Parse(time.RFC3339, oldest.String)
		if err == nil {
			summary.OldestQueuedAt = &t
		}
	}
	return summary, nil
}

// Prune removes synced and failed entries older than the given age.
func (s *SQLiteQueue) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queued_results
		WHERE status IN ('synced', 'failed') AND queued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune queued results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteQueue) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedResult(row rowScanner) (*QueuedResult, error) {
	var (
		idStr      string
		queuedAt   string
		status     string
		retryCount int
		lastError  sql.NullString
		syncedAt   sql.NullString
		resultJSON string
	)
	err := row.Scan(&idStr, &queuedAt, &status, &retryCount, &lastError, &syncedAt, &resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queued result: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse result id: %w", err)
	}
	queued, err := time.Parse(time.RFC3339, queuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse queued_at: %w", err)
	}

	r := &QueuedResult{
		ID:         id,
		QueuedAt:   queued,
		Status:     QueuedResultStatus(status),
		RetryCount: retryCount,
		LastError:  lastError.String,
	}
	if syncedAt.Valid {
		t, err := time.Parse(time.RFC3339, syncedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse synced_at: %w", err)
		}
		r.SyncedAt = &t
	}
	if err := json.Unmarshal([]byte(resultJSON), &r.Result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
