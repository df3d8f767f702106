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

const proposalColumns = `id, run_id, file_id, action, reason, before_json, after_json, risk, confidence,
	approval_required, rollback_json, status, size_bytes, error, created_at, updated_at, executed_at`

// ReplaceProposals swaps the proposal set of a run in one transaction.
func (s *Store) ReplaceProposals(ctx context.Context, runID string, proposals []models.Proposal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM action_proposals WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete proposals: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO action_proposals (position, `+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare proposal insert: %w", err)
	}
	defer stmt.Close()

	for i := range proposals {
		p := &proposals[i]
		p.RunID = runID
		args, err := proposalArgs(p)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, append([]any{i}, args...)...); err != nil {
			return fmt.Errorf("insert proposal %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit proposals: %w", err)
	}
	return nil
}

// ListProposals returns the proposals of a run in stored order.
func (s *Store) ListProposals(ctx context.Context, runID string) ([]models.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM action_proposals WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	out := []models.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetProposal retrieves a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM action_proposals WHERE id = ?`, id)
	return scanProposal(row)
}

// UpdateProposal persists the mutable fields of p.
func (s *Store) UpdateProposal(ctx context.Context, p *models.Proposal) error {
	p.UpdatedAt = time.Now().UTC()
	after, err := json.Marshal(p.After)
	if err != nil {
		return fmt.Errorf("marshal after: %w", err)
	}
	rollback, err := json.Marshal(p.Rollback)
	if err != nil {
		return fmt.Errorf("marshal rollback: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE action_proposals
		SET after_json = ?, rollback_json = ?, status = ?, error = ?, updated_at = ?, executed_at = ?
		WHERE id = ?
	`,
		string(after), string(rollback), string(p.Status), nullString(p.Error),
		formatTime(p.UpdatedAt), nullTime(p.ExecutedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	return expectAffected(result, ErrProposalNotFound)
}

func proposalArgs(p *models.Proposal) ([]any, error) {
	before, err := json.Marshal(p.Before)
	if err != nil {
		return nil, fmt.Errorf("marshal before: %w", err)
	}
	after, err := json.Marshal(p.After)
	if err != nil {
		return nil, fmt.Errorf("marshal after: %w", err)
	}
	rollback, err := json.Marshal(p.Rollback)
	if err != nil {
		return nil, fmt.Errorf("marshal rollback: %w", err)
	}
	return []any{
		p.ID, p.RunID, nullString(p.FileID), string(p.Action), p.Reason,
		string(before), string(after), string(p.Risk), p.Confidence,
		boolInt(p.ApprovalRequired), string(rollback), string(p.Status), p.SizeBytes,
		nullString(p.Error), formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullTime(p.ExecutedAt),
	}, nil
}

func scanProposal(row rowScanner) (*models.Proposal, error) {
	var (
		p                          models.Proposal
		fileID, errMsg, executedAt sql.NullString
		action, risk, status       string
		before, after, rollback    string
		approval                   int
		createdAt, updatedAt       string
	)
	err := row.Scan(&p.ID, &p.RunID, &fileID, &action, &p.Reason, &before, &after, &risk, &p.Confidence,
		&approval, &rollback, &status, &p.SizeBytes, &errMsg, &createdAt, &updatedAt, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal: %w", err)
	}

	p.FileID = fileID.String
	p.Error = errMsg.String
	p.Action = models.ActionKind(action)
	p.Risk = models.RiskLevel(risk)
	p.Status = models.ProposalStatus(status)
	p.ApprovalRequired = approval == 1

	if err := json.Unmarshal([]byte(before), &p.Before); err != nil {
		return nil, fmt.Errorf("parse before: %w", err)
	}
	if err := json.Unmarshal([]byte(after), &p.After); err != nil {
		return nil, fmt.Errorf("parse after: %w", err)
	}
	if err := json.Unmarshal([]byte(rollback), &p.Rollback); err != nil {
		return nil, fmt.Errorf("parse rollback: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if p.ExecutedAt, err = parseNullTime(executedAt); err != nil {
		return nil, fmt.Errorf("parse executed_at: %w", err)
	}
	return &p, nil
}
