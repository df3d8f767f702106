package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
)

const watchedPathColumns = `id, path, kind, enabled, protected, include_subfolders, created_at, updated_at`

// ListWatchedPaths returns all watched paths ordered by creation.
func (s *Store) ListWatchedPaths(ctx context.Context) ([]models.WatchedPath, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+watchedPathColumns+` FROM watched_paths ORDER BY created_at, path`)
	if err != nil {
		return nil, fmt.Errorf("list watched paths: %w", err)
	}
	defer rows.Close()

	var out []models.WatchedPath
	for rows.Next() {
		wp, err := scanWatchedPath(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wp)
	}
	return out, rows.Err()
}

// GetWatchedPath retrieves a watched path by ID.
func (s *Store) GetWatchedPath(ctx context.Context, id string) (*models.WatchedPath, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+watchedPathColumns+` FROM watched_paths WHERE id = ?`, id)
	return scanWatchedPath(row)
}

// CreateWatchedPath inserts wp.
func (s *Store) CreateWatchedPath(ctx context.Context, wp *models.WatchedPath) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watched_paths (`+watchedPathColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		wp.ID, wp.Path, wp.Kind,
		boolInt(wp.Enabled), boolInt(wp.Protected), boolInt(wp.IncludeSubfolders),
		formatTime(wp.CreatedAt), formatTime(wp.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrWatchedPathExists
		}
		return fmt.Errorf("insert watched path: %w", err)
	}
	return nil
}

// UpdateWatchedPath updates wp in place.
func (s *Store) UpdateWatchedPath(ctx context.Context, wp *models.WatchedPath) error {
	wp.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE watched_paths
		SET path = ?, kind = ?, enabled = ?, protected = ?, include_subfolders = ?, updated_at = ?
		WHERE id = ?
	`,
		wp.Path, wp.Kind,
		boolInt(wp.Enabled), boolInt(wp.Protected), boolInt(wp.IncludeSubfolders),
		formatTime(wp.UpdatedAt), wp.ID,
	)
	if err != nil {
		return fmt.Errorf("update watched path: %w", err)
	}
	return expectAffected(result, ErrWatchedPathNotFound)
}

// DeleteWatchedPath removes a watched path.
func (s *Store) DeleteWatchedPath(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM watched_paths WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete watched path: %w", err)
	}
	return expectAffected(result, ErrWatchedPathNotFound)
}

func scanWatchedPath(row rowScanner) (*models.WatchedPath, error) {
	var (
		wp                        models.WatchedPath
		enabled, protected, recur int
		createdAt, updatedAt      string
	)
	err := row.Scan(&wp.ID, &wp.Path, &wp.Kind, &enabled, &protected, &recur, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWatchedPathNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan watched path: %w", err)
	}
	wp.Enabled = enabled == 1
	wp.Protected = protected == 1
	wp.IncludeSubfolders = recur == 1
	if wp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if wp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &wp, nil
}

func expectAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
