package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MacJediWizard/tidyup/internal/models"
)

const executionColumns = `id, run_id, proposal_id, operation, success, error, undo_json, started_at, finished_at`

// InsertExecution appends an execution record.
func (s *Store) InsertExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	var undo sql.NullString
	if rec.Undo != nil {
		data, err := json.Marshal(rec.Undo)
		if err != nil {
			return fmt.Errorf("marshal undo: %w", err)
		}
		undo = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.RunID, rec.ProposalID, string(rec.Operation), boolInt(rec.Success),
		nullString(rec.Error), undo, formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution record by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM action_executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions returns a run's execution history in insertion order.
func (s *Store) ListExecutions(ctx context.Context, runID string) ([]models.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM action_executions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []models.ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*models.ExecutionRecord, error) {
	var (
		rec                 models.ExecutionRecord
		operation           string
		success             int
		errMsg, undo        sql.NullString
		startedAt, finishAt string
	)
	err := row.Scan(&rec.ID, &rec.RunID, &rec.ProposalID, &operation, &success, &errMsg, &undo, &startedAt, &finishAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	rec.Operation = models.OperationKind(operation)
	rec.Success = success == 1
	rec.Error = errMsg.String
	if undo.Valid && undo.String != "" {
		var u models.UndoDescriptor
		if err := json.Unmarshal([]byte(undo.String), &u); err != nil {
			return nil, fmt.Errorf("parse undo: %w", err)
		}
		rec.Undo = &u
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.FinishedAt, err = parseTime(finishAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &rec, nil
}
