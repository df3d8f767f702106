package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/MacJediWizard/tidyup/internal/models"
)

// AppendProgress adds an entry to a run's progress log.
func (s *Store) AppendProgress(ctx context.Context, ev *models.ProgressEvent) error {
	var counts sql.NullString
	if len(ev.Counts) > 0 {
		data, err := json.Marshal(ev.Counts)
		if err != nil {
			return fmt.Errorf("marshal counts: %w", err)
		}
		counts = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_progress (id, run_id, status, stage, message, counts_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.RunID, string(ev.Status), string(ev.Stage), ev.Message, counts, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

// ListProgress returns a run's progress log oldest first.
func (s *Store) ListProgress(ctx context.Context, runID string) ([]models.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, status, stage, message, counts_json, created_at
		FROM run_progress WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	out := []models.ProgressEvent{}
	for rows.Next() {
		var (
			ev            models.ProgressEvent
			status, stage string
			counts        sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &status, &stage, &ev.Message, &counts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		ev.Status = models.RunStatus(status)
		ev.Stage = models.ProgressStage(stage)
		if counts.Valid {
			if err := json.Unmarshal([]byte(counts.String), &ev.Counts); err != nil {
				return nil, fmt.Errorf("parse counts: %w", err)
			}
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		ev.CreatedAt = t
		out = append(out, ev)
	}
	return out, rows.Err()
}
