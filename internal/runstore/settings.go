package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
)

// GetSettings returns the stored settings, seeding defaults on first use.
func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	var (
		set           models.Settings
		dryRun, incHi int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT dry_run_default, rename_pattern, organized_root, archive_root,
		       duplicate_review_root, recent_file_safety_hours, include_hidden
		FROM app_settings WHERE id = 1
	`).Scan(&dryRun, &set.RenamePattern, &set.OrganizedRoot, &set.ArchiveRoot,
		&set.DuplicateReviewRoot, &set.RecentFileSafetyHours, &incHi)

	if errors.Is(err, sql.ErrNoRows) {
		defaults := models.DefaultSettings(s.home)
		if err := s.UpdateSettings(ctx, defaults); err != nil {
			return models.Settings{}, err
		}
		return defaults, nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("get settings: %w", err)
	}

	set.DryRunDefault = dryRun == 1
	set.IncludeHidden = incHi == 1
	return set, nil
}

// UpdateSettings replaces the settings row.
func (s *Store) UpdateSettings(ctx context.Context, set models.Settings) error {
	query := `
		INSERT INTO app_settings (id, dry_run_default, rename_pattern, organized_root, archive_root,
			duplicate_review_root, recent_file_safety_hours, include_hidden, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			dry_run_default = excluded.dry_run_default,
			rename_pattern = excluded.rename_pattern,
			organized_root = excluded.organized_root,
			archive_root = excluded.archive_root,
			duplicate_review_root = excluded.duplicate_review_root,
			recent_file_safety_hours = excluded.recent_file_safety_hours,
			include_hidden = excluded.include_hidden,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		boolInt(set.DryRunDefault),
		set.RenamePattern,
		set.OrganizedRoot,
		set.ArchiveRoot,
		set.DuplicateReviewRoot,
		set.RecentFileSafetyHours,
		boolInt(set.IncludeHidden),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
