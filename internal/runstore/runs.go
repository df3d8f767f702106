package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
)

// MaxListLimit bounds ListRuns page sizes.
const MaxListLimit = 200

// RunRecord is a run as persisted locally: its job and current summary.
type RunRecord struct {
	Job     models.CleanupJob `json:"job"`
	Summary models.RunSummary `json:"summary"`
}

// RunFilter selects a page of runs.
type RunFilter struct {
	Status models.RunStatus
	Limit  int
	Offset int
}

// CreateRun stores a new run. Creating an existing run is a no-op so a
// restarted agent can safely replay the step.
func (s *Store) CreateRun(ctx context.Context, job *models.CleanupJob, summary *models.RunSummary) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cleanup_runs (id, job_id, device_id, status, job_json, summary_json, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		summary.RunID, job.ID, job.DeviceID, string(summary.Status),
		string(jobJSON), string(summaryJSON),
		formatTime(summary.StartedAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_json, summary_json FROM cleanup_runs WHERE id = ?`, runID)
	return scanRun(row)
}

// UpdateRunSummary replaces the summary of an existing run.
func (s *Store) UpdateRunSummary(ctx context.Context, summary *models.RunSummary) error {
	summary.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE cleanup_runs SET status = ?, summary_json = ?, updated_at = ? WHERE id = ?
	`, string(summary.Status), string(data), formatTime(summary.UpdatedAt), summary.RunID)
	if err != nil {
		return fmt.Errorf("update run summary: %w", err)
	}
	return expectAffected(result, ErrRunNotFound)
}

// GetSnapshot rebuilds a run snapshot from durable storage.
func (s *Store) GetSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	proposals, err := s.ListProposals(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &models.RunSnapshot{Summary: run.Summary, Proposals: proposals}, nil
}

// ListRuns returns a page of run summaries, newest first, and the total
// number of runs matching the filter.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]models.RunSummary, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if filter.Status != "" {
		where = "WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cleanup_runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_json, summary_json FROM cleanup_runs `+where+` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []models.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run.Summary)
	}
	return out, total, rows.Err()
}

// ListRunsForDevice returns every run of deviceID that can still receive
// commands: canceled runs and failed runs without executed actions are skipped.
func (s *Store) ListRunsForDevice(ctx context.Context, deviceID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_json, summary_json FROM cleanup_runs
		WHERE device_id = ? AND status != ?
		ORDER BY started_at
	`, deviceID, string(models.RunStatusCanceled))
	if err != nil {
		return nil, fmt.Errorf("list device runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		if run.Summary.Status == models.RunStatusFailed && run.Summary.ActionsExecuted == 0 {
			continue
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// ListRunsByStatus returns every run in status, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]models.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_json, summary_json FROM cleanup_runs
		WHERE status = ?
		ORDER BY started_at, id
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	defer rows.Close()

	var out []models.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run.Summary)
	}
	return out, rows.Err()
}

// CountRunsByStatus returns the number of runs per status.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[models.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM cleanup_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RunStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		counts[models.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var jobJSON, summaryJSON string
	err := row.Scan(&jobJSON, &summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	var run RunRecord
	if err := json.Unmarshal([]byte(jobJSON), &run.Job); err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	if err := json.Unmarshal([]byte(summaryJSON), &run.Summary); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	return &run, nil
}
