package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MacJediWizard/tidyup/internal/models"
)

var errAmbiguousRollback = errors.New("both undo source and target exist")

// RollbackRun reverses the latest successful execution of every proposal in
// snap that is still executed.
func (e *Engine) RollbackRun(ctx context.Context, snap *models.RunSnapshot) (*models.RunSnapshot, []models.ExecutionRecord, error) {
	history, err := e.store.ListExecutions(ctx, snap.Summary.RunID)
	if err != nil {
		return nil, nil, fmt.Errorf("list executions: %w", err)
	}

	next := cloneSnapshot(snap)
	index := make(map[string]int, len(next.Proposals))
	for i, p := range next.Proposals {
		index[p.ID] = i
	}

	// The most recent forward record per proposal, cleared again by a later
	// successful rollback.
	pending := make(map[string]models.ExecutionRecord)
	var order []string
	for _, rec := range history {
		switch {
		case rec.Reversible():
			if _, seen := pending[rec.ProposalID]; !seen {
				order = append(order, rec.ProposalID)
			}
			pending[rec.ProposalID] = rec
		case rec.Operation == models.OperationRollback && rec.Success:
			delete(pending, rec.ProposalID)
		}
	}

	var (
		records []models.ExecutionRecord
		undone  int
		bytes   int64
	)
	for _, proposalID := range order {
		rec, ok := pending[proposalID]
		if !ok {
			continue
		}
		i, ok := index[proposalID]
		if !ok || next.Proposals[i].Status != models.ProposalStatusExecuted {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}

		p := &next.Proposals[i]
		out, err := e.revert(ctx, p, &rec)
		if err != nil {
			return nil, records, err
		}
		records = append(records, out)
		if out.Success {
			undone++
			bytes += p.SizeBytes
		}
	}

	s := &next.Summary
	s.ActionsExecuted = max(0, s.ActionsExecuted-undone)
	s.BytesRecoveredEstimate = max(0, s.BytesRecoveredEstimate-bytes)
	if s.Status.CanTransition(models.RunStatusCompleted) || s.Status == models.RunStatusCompleted {
		s.Status = models.RunStatusCompleted
	}
	if err := e.store.UpdateRunSummary(context.WithoutCancel(ctx), s); err != nil {
		return nil, records, fmt.Errorf("update run summary: %w", err)
	}

	e.logger.Info().Str("run_id", s.RunID).Int("rolled_back", undone).Int("attempted", len(records)).Msg("run rollback completed")
	return next, records, ctx.Err()
}

// RollbackExecution reverses a single execution record. It reports false
// when the record is not reversible or the undo could not be applied.
func (e *Engine) RollbackExecution(ctx context.Context, executionID string) (bool, error) {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if !rec.Reversible() {
		return false, nil
	}

	snap, err := e.store.GetSnapshot(ctx, rec.RunID)
	if err != nil {
		return false, err
	}
	var p *models.Proposal
	for i := range snap.Proposals {
		if snap.Proposals[i].ID == rec.ProposalID {
			p = &snap.Proposals[i]
			break
		}
	}
	if p == nil {
		return false, nil
	}

	out, err := e.revert(ctx, p, rec)
	if err != nil || !out.Success {
		return false, err
	}

	s := &snap.Summary
	s.ActionsExecuted = max(0, s.ActionsExecuted-1)
	s.BytesRecoveredEstimate = max(0, s.BytesRecoveredEstimate-p.SizeBytes)
	if err := e.store.UpdateRunSummary(context.WithoutCancel(ctx), s); err != nil {
		return true, fmt.Errorf("update run summary: %w", err)
	}
	return true, nil
}

// revert applies rec's undo descriptor and records a rollback-kind entry.
func (e *Engine) revert(ctx context.Context, p *models.Proposal, rec *models.ExecutionRecord) (models.ExecutionRecord, error) {
	out := models.ExecutionRecord{
		ID:         models.NewID(models.PrefixExecution),
		RunID:      rec.RunID,
		ProposalID: rec.ProposalID,
		Operation:  models.OperationRollback,
		StartedAt:  e.now(),
	}

	err := applyUndo(rec.Undo)
	ctx = context.WithoutCancel(ctx)
	out.FinishedAt = e.now()
	if err != nil {
		out.Error = string(models.CodeRollbackFailed)
		e.logger.Warn().Err(err).Str("execution_id", rec.ID).Msg("rollback failed")
	} else {
		out.Success = true
		p.Status = models.ProposalStatusApproved
		p.ExecutedAt = nil
		p.Error = ""
	}

	if e.observer != nil {
		e.observer.ObserveExecution(out.Operation, out.Success, models.ErrorCode(out.Error))
	}
	if err := e.store.InsertExecution(ctx, &out); err != nil {
		return out, fmt.Errorf("record rollback: %w", err)
	}
	if !out.Success {
		return out, nil
	}
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		return out, fmt.Errorf("update proposal: %w", err)
	}
	if err := e.store.UpdateFilePath(ctx, p.FileID, rec.Undo.To); err != nil {
		e.logger.Warn().Err(err).Str("file_id", p.FileID).Msg("failed to update file path")
	}
	return out, nil
}

func applyUndo(undo *models.UndoDescriptor) error {
	if undo == nil || undo.Type != models.RollbackMoveBack {
		return errors.New("no undo descriptor")
	}
	fromExists, toExists := exists(undo.From), exists(undo.To)
	if fromExists && toExists {
		return errAmbiguousRollback
	}
	if !fromExists {
		return fmt.Errorf("undo source %s is missing", undo.From)
	}
	if err := os.MkdirAll(filepath.Dir(undo.To), 0o755); err != nil {
		return err
	}
	return os.Rename(undo.From, undo.To)
}
