// Package execution applies approved proposals to the filesystem and
// reverses them again.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/policy"
	"github.com/rs/zerolog"
)

// Decider is the subset of the policy engine used at execution time.
type Decider interface {
	DecideOperation(action models.ActionKind, source, target string) policy.Decision
}

// Store persists execution outcomes as they happen.
type Store interface {
	GetSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error)
	UpdateRunSummary(ctx context.Context, summary *models.RunSummary) error
	UpdateProposal(ctx context.Context, p *models.Proposal) error
	InsertExecution(ctx context.Context, rec *models.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	ListExecutions(ctx context.Context, runID string) ([]models.ExecutionRecord, error)
	UpdateFilePath(ctx context.Context, fileID, path string) error
}

// Observer is notified of every execution and rollback attempt.
type Observer interface {
	ObserveExecution(op models.OperationKind, success bool, code models.ErrorCode)
}

// ErrDryRun is returned when execution is attempted on a dry-run job.
var ErrDryRun = models.NewCodedError(models.CodeDryRunExecutionBlocked, "run is dry-run, execution is blocked")

// Engine executes and rolls back proposals. Each outcome is persisted
// immediately so a crash never leaves an applied rename unrecorded. Once a
// rename has started its outcome is recorded even if ctx is canceled, and
// cancellation takes effect before the next proposal.
type Engine struct {
	store    Store
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine. observer may be nil.
func NewEngine(store Store, observer Observer, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		observer: observer,
		logger:   logger.With().Str("component", "execution_engine").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteApproved applies every approved proposal of snap in stored order.
// Per-proposal failures are recorded and do not stop the pass. The returned
// snapshot has ActionsExecuted set to the proposals executed in this pass.
func (e *Engine) ExecuteApproved(ctx context.Context, snap *models.RunSnapshot, decider Decider) (*models.RunSnapshot, []models.ExecutionRecord, error) {
	if snap.Summary.DryRun {
		return nil, nil, ErrDryRun
	}

	next := cloneSnapshot(snap)
	log := e.logger.With().Str("run_id", next.Summary.RunID).Logger()

	var (
		records  []models.ExecutionRecord
		executed int
		bytes    int64
	)
	for i := range next.Proposals {
		p := &next.Proposals[i]
		if p.Status != models.ProposalStatusApproved {
			continue
		}
		if err := ctx.Err(); err != nil {
			next.Summary.ActionsExecuted = executed
			next.Summary.BytesRecoveredEstimate = bytes
			return next, records, err
		}

		rec := e.apply(p, decider)
		if err := e.persist(ctx, p, &rec); err != nil {
			return nil, records, err
		}
		records = append(records, rec)

		if rec.Success {
			executed++
			bytes += p.SizeBytes
			log.Info().Str("proposal_id", p.ID).Str("to", p.After.Path).Msg("proposal executed")
		} else {
			log.Warn().Str("proposal_id", p.ID).Str("error", rec.Error).Msg("proposal execution failed")
		}
	}

	now := e.now()
	next.Summary.Status = models.RunStatusCompleted
	next.Summary.FinishedAt = &now
	next.Summary.ProposalsCreated = len(next.Proposals)
	next.Summary.ActionsExecuted = executed
	next.Summary.BytesRecoveredEstimate = bytes
	next.Summary.ErrorMessage = ""
	if err := e.store.UpdateRunSummary(context.WithoutCancel(ctx), &next.Summary); err != nil {
		return nil, records, fmt.Errorf("update run summary: %w", err)
	}

	log.Info().Int("executed", executed).Int("attempted", len(records)).Msg("execution pass completed")
	return next, records, nil
}

// apply performs one proposal and mutates p to reflect the outcome.
func (e *Engine) apply(p *models.Proposal, decider Decider) models.ExecutionRecord {
	rec := models.ExecutionRecord{
		ID:         models.NewID(models.PrefixExecution),
		RunID:      p.RunID,
		ProposalID: p.ID,
		Operation:  operationFor(p.Action),
		StartedAt:  e.now(),
	}

	fail := func(code models.ErrorCode, detail error) models.ExecutionRecord {
		rec.FinishedAt = e.now()
		rec.Error = string(code)
		p.Status = models.ProposalStatusFailed
		p.Error = string(code)
		if detail != nil {
			e.logger.Debug().Err(detail).Str("proposal_id", p.ID).Msg("execution error detail")
		}
		return rec
	}

	if !p.Action.IsExecutable() {
		return fail(models.CodeUnsupportedAction, nil)
	}

	source, target := p.Before.Path, p.After.Path
	if d := decider.DecideOperation(p.Action, source, target); !d.Allowed {
		code := d.Reason
		if code == "" {
			code = models.CodePolicyDenied
		}
		return fail(code, nil)
	}
	if !exists(source) {
		return fail(models.CodeSourceMissing, nil)
	}
	if exists(target) {
		return fail(models.CodeTargetExistsNoOverwrite, nil)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fail(models.CodeExecutionFailed, err)
	}
	if err := os.Rename(source, target); err != nil {
		return fail(models.CodeExecutionFailed, err)
	}

	now := e.now()
	rec.FinishedAt = now
	rec.Success = true
	rec.Undo = &models.UndoDescriptor{Type: models.RollbackMoveBack, From: target, To: source}
	p.Status = models.ProposalStatusExecuted
	p.Error = ""
	p.ExecutedAt = &now
	return rec
}

// persist records the outcome of a proposal apply already acted on.
func (e *Engine) persist(ctx context.Context, p *models.Proposal, rec *models.ExecutionRecord) error {
	ctx = context.WithoutCancel(ctx)
	if e.observer != nil {
		e.observer.ObserveExecution(rec.Operation, rec.Success, models.ErrorCode(rec.Error))
	}
	if err := e.store.InsertExecution(ctx, rec); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if rec.Success && rec.Undo != nil {
		if err := e.store.UpdateFilePath(ctx, p.FileID, rec.Undo.From); err != nil {
			e.logger.Warn().Err(err).Str("file_id", p.FileID).Msg("failed to update file path")
		}
	}
	return nil
}

func operationFor(action models.ActionKind) models.OperationKind {
	switch action {
	case models.ActionMove:
		return models.OperationMove
	case models.ActionArchive:
		return models.OperationArchive
	}
	return models.OperationRename
}

func cloneSnapshot(snap *models.RunSnapshot) *models.RunSnapshot {
	next := &models.RunSnapshot{Summary: snap.Summary}
	next.Proposals = make([]models.Proposal, len(snap.Proposals))
	copy(next.Proposals, snap.Proposals)
	return next
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
