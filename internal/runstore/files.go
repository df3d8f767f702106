package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
)

// UpsertFileRecord inserts rec or refreshes the existing record with the same
// absolute path. rec.ID is set to the stable id in both cases.
func (s *Store) UpsertFileRecord(ctx context.Context, rec *models.FileRecord) error {
	if rec.ID == "" {
		rec.ID = models.NewID(models.PrefixFile)
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = time.Now().UTC()
	}

	query := `
		INSERT INTO file_records (id, absolute_path, parent_path, name, extension, mime_type, size_bytes,
			created_at_fs, modified_at_fs, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(absolute_path) DO UPDATE SET
			parent_path = excluded.parent_path,
			name = excluded.name,
			extension = excluded.extension,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			created_at_fs = excluded.created_at_fs,
			modified_at_fs = excluded.modified_at_fs,
			last_seen_at = excluded.last_seen_at
		RETURNING id
	`
	var id string
	err := s.db.QueryRowContext(ctx, query,
		rec.ID, rec.AbsolutePath, rec.ParentPath, rec.Name, rec.Extension, nullString(rec.MimeType),
		rec.SizeBytes, nullTime(rec.CreatedAtFS), nullTime(rec.ModifiedAtFS), formatTime(rec.LastSeenAt),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("upsert file record: %w", err)
	}
	rec.ID = id
	return nil
}

// GetFileRecord retrieves a file record by ID.
func (s *Store) GetFileRecord(ctx context.Context, id string) (*models.FileRecord, error) {
	var (
		rec          models.FileRecord
		mimeType     sql.NullString
		created, mod sql.NullString
		lastSeen     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, absolute_path, parent_path, name, extension, mime_type, size_bytes,
		       created_at_fs, modified_at_fs, last_seen_at
		FROM file_records WHERE id = ?
	`, id).Scan(&rec.ID, &rec.AbsolutePath, &rec.ParentPath, &rec.Name, &rec.Extension, &mimeType,
		&rec.SizeBytes, &created, &mod, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file record: %w", err)
	}

	rec.MimeType = mimeType.String
	if rec.CreatedAtFS, err = parseNullTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at_fs: %w", err)
	}
	if rec.ModifiedAtFS, err = parseNullTime(mod); err != nil {
		return nil, fmt.Errorf("parse modified_at_fs: %w", err)
	}
	if rec.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen_at: %w", err)
	}
	return &rec, nil
}

// UpdateFilePath records that a file now lives at path. An empty fileID is
// ignored since proposals built outside a scan have no file record.
func (s *Store) UpdateFilePath(ctx context.Context, fileID, path string) error {
	if fileID == "" {
		return nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE file_records SET absolute_path = ?, parent_path = ?, name = ?, last_seen_at = ? WHERE id = ?
	`, path, filepath.Dir(path), filepath.Base(path), formatTime(time.Now()), fileID)
	if err != nil {
		return fmt.Errorf("update file path: %w", err)
	}
	return expectAffected(result, ErrFileNotFound)
}
