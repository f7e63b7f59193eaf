package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/linwinbackup/linwin/internal/control"
)

// SQLiteStore persists the registry in a SQLite database under the server
// data directory.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the registry database in
// dataDir.
func NewSQLiteStore(dataDir string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "registry.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "registry").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", dbPath).Msg("registry database initialized")
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			system TEXT NOT NULL,
			version TEXT NOT NULL,
			public_key TEXT NOT NULL,
			registered_at TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			last_status TEXT,
			schedule TEXT
		);

		CREATE TABLE IF NOT EXISTS backup_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			snapshot_name TEXT NOT NULL,
			type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			files_total INTEGER NOT NULL,
			files_skipped INTEGER NOT NULL,
			bytes_archived INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_backup_results_client ON backup_results(client_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, system, version, public_key, registered_at, last_seen, last_status, schedule
		FROM clients WHERE id = ?
	`, id)
	c, err := scanClient(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query client: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Put(ctx context.Context, c *Client) error {
	var statusJSON, scheduleJSON sql.NullString
	if c.LastStatus != nil {
		data, err := json.Marshal(c.LastStatus)
		if err != nil {
			return fmt.Errorf("marshal status: %w", err)
		}
		statusJSON = sql.NullString{String: string(data), Valid: true}
	}
	if len(c.Schedule) > 0 {
		data, err := json.Marshal(c.Schedule)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
		scheduleJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, hostname, system, version, public_key, registered_at, last_seen, last_status, schedule)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			system = excluded.system,
			version = excluded.version,
			public_key = excluded.public_key,
			last_seen = excluded.last_seen,
			last_status = excluded.last_status,
			schedule = excluded.schedule
	`,
		c.ID,
		c.Hostname,
		c.System,
		c.Version,
		c.PublicKeyPEM,
		c.RegisteredAt.UTC().Format(time.RFC3339),
		c.LastSeen.UTC().Format(time.RFC3339),
		statusJSON,
		scheduleJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, system, version, public_key, registered_at, last_seen, last_status, schedule
		FROM clients ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM backup_results WHERE client_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete results: %w", err)
	}
	return nil
}

// WithLock serializes fn against other WithLock calls for the same client.
// SQLite serializes individual statements itself; this lock covers
// read-modify-write sequences.
func (s *SQLiteStore) WithLock(id string, fn func() error) error {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

func (s *SQLiteStore) AppendResult(ctx context.Context, r *control.BackupResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_results (client_id, snapshot_name, type, outcome, files_total, files_skipped, bytes_archived, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ClientID,
		r.SnapshotName,
		r.Type,
		string(r.Outcome),
		r.FilesTotal,
		r.FilesSkipped,
		r.BytesArchived,
		r.StartedAt.UTC().Format(time.RFC3339),
		r.FinishedAt.UTC().Format(time.RFC3339),
		nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("insert backup result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Results(ctx context.Context, clientID string, limit int) ([]*control.BackupResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, snapshot_name, type, outcome, files_total, files_skipped, bytes_archived, started_at, finished_at, error
		FROM backup_results WHERE client_id = ? ORDER BY id DESC LIMIT ?
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []*control.BackupResult
	for rows.Next() {
		var r control.BackupResult
		var outcome, startedAt, finishedAt string
		var errMsg sql.NullString
		if err := rows.Scan(
			&r.ClientID, &r.SnapshotName, &r.Type, &outcome,
			&r.FilesTotal, &r.FilesSkipped, &r.BytesArchived,
			&startedAt, &finishedAt, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Outcome = control.Outcome(outcome)
		if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		r.Error = errMsg.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*Client, error) {
	var c Client
	var registeredAt, lastSeen string
	var statusJSON, scheduleJSON sql.NullString
	if err := row.Scan(
		&c.ID, &c.Hostname, &c.System, &c.Version, &c.PublicKeyPEM,
		&registeredAt, &lastSeen, &statusJSON, &scheduleJSON,
	); err != nil {
		return nil, err
	}

	var err error
	if c.RegisteredAt, err = time.Parse(time.RFC3339, registeredAt); err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	if c.LastSeen, err = time.Parse(time.RFC3339, lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	if statusJSON.Valid {
		if err := json.Unmarshal([]byte(statusJSON.String), &c.LastStatus); err != nil {
			return nil, fmt.Errorf("unmarshal status: %w", err)
		}
	}
	if scheduleJSON.Valid {
		if err := json.Unmarshal([]byte(scheduleJSON.String), &c.Schedule); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
