// Package runstore persists the agent's runs, proposals, execution history,
// watched paths and settings in a local SQLite database.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Errors
var (
	ErrRunNotFound         = errors.New("run not found")
	ErrProposalNotFound    = errors.New("proposal not found")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrWatchedPathNotFound = errors.New("watched path not found")
	ErrWatchedPathExists   = errors.New("watched path already exists")
	ErrFileNotFound        = errors.New("file record not found")
)

// Store is the durable source of truth for the agent across restarts.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	home   string
}

// Open opens or creates the database at dbPath. home seeds default settings.
func Open(dbPath, home string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers from the poller and the local API.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "run_store").Logger(),
		home:   home,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", dbPath).Msg("run database initialized")
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS app_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			dry_run_default INTEGER NOT NULL,
			rename_pattern TEXT NOT NULL,
			organized_root TEXT NOT NULL,
			archive_root TEXT NOT NULL,
			duplicate_review_root TEXT NOT NULL,
			recent_file_safety_hours INTEGER NOT NULL,
			include_hidden INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS watched_paths (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			protected INTEGER NOT NULL DEFAULT 0,
			include_subfolders INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cleanup_runs (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			job_json TEXT NOT NULL,
			summary_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cleanup_runs_status ON cleanup_runs(status);
		CREATE INDEX IF NOT EXISTS idx_cleanup_runs_device ON cleanup_runs(device_id);
		CREATE INDEX IF NOT EXISTS idx_cleanup_runs_started_at ON cleanup_runs(started_at);

		CREATE TABLE IF NOT EXISTS action_proposals (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES cleanup_runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			file_id TEXT,
			action TEXT NOT NULL,
			reason TEXT NOT NULL,
			before_json TEXT NOT NULL,
			after_json TEXT NOT NULL,
			risk TEXT NOT NULL,
			confidence REAL NOT NULL,
			approval_required INTEGER NOT NULL,
			rollback_json TEXT NOT NULL,
			status TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			executed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_action_proposals_run ON action_proposals(run_id, position);

		CREATE TABLE IF NOT EXISTS action_executions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL REFERENCES cleanup_runs(id) ON DELETE CASCADE,
			proposal_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			undo_json TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_action_executions_run ON action_executions(run_id);

		CREATE TABLE IF NOT EXISTS file_records (
			id TEXT PRIMARY KEY,
			absolute_path TEXT NOT NULL UNIQUE,
			parent_path TEXT NOT NULL,
			name TEXT NOT NULL,
			extension TEXT NOT NULL,
			mime_type TEXT,
			size_bytes INTEGER NOT NULL,
			created_at_fs TEXT,
			modified_at_fs TEXT,
			last_seen_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS run_progress (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL REFERENCES cleanup_runs(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			message TEXT NOT NULL,
			counts_json TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_run_progress_run ON run_progress(run_id);

		CREATE TABLE IF NOT EXISTS agent_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SetMetadata stores a key-value pair.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO agent_metadata (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// GetMetadata retrieves a value. A missing key yields "".
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata: %w", err)
	}
	return value, nil
}

// DeleteMetadata removes a key.
func (s *Store) DeleteMetadata(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

// ListMetadata returns every key-value pair whose key starts with prefix.
func (s *Store) ListMetadata(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM agent_metadata WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
