package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/tidyup/internal/classification"
	"github.com/MacJediWizard/tidyup/internal/execution"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/policy"
	"github.com/MacJediWizard/tidyup/internal/proposal"
	"github.com/MacJediWizard/tidyup/internal/runstore"
	"github.com/MacJediWizard/tidyup/internal/scan"
	"github.com/rs/zerolog"
)

// Store is the local persistence the pipeline runs on. *runstore.Store
// implements it.
type Store interface {
	execution.Store
	scan.FileStore

	CreateRun(ctx context.Context, job *models.CleanupJob, summary *models.RunSummary) error
	GetRun(ctx context.Context, runID string) (*runstore.RunRecord, error)
	ListRunsForDevice(ctx context.Context, deviceID string) ([]runstore.RunRecord, error)
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]models.RunSummary, error)
	ReplaceProposals(ctx context.Context, runID string, proposals []models.Proposal) error
	AppendProgress(ctx context.Context, ev *models.ProgressEvent) error
	GetSettings(ctx context.Context) (models.Settings, error)
	ListWatchedPaths(ctx context.Context) ([]models.WatchedPath, error)
	GetMetadata(ctx context.Context, key string) (string, error)
	ListMetadata(ctx context.Context, prefix string) (map[string]string, error)
	SetMetadata(ctx context.Context, key, value string) error
	DeleteMetadata(ctx context.Context, key string) error
}

// Reporter forwards run milestones to the registry.
type Reporter interface {
	Progress(ctx context.Context, jobID string, ev *models.ProgressEvent) error
	Result(ctx context.Context, jobID string, snap *models.RunSnapshot) error
}

// ProposalRecorder counts generated proposals.
type ProposalRecorder interface {
	RecordProposals(n int)
}

// SyncError reports that local work succeeded but the registry could not be
// told about it. The run is marked unsynced and its snapshot is pushed
// again on a later tick.
type SyncError struct {
	RunID string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync run %s: %v", e.RunID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsSyncError reports whether err only failed to reach the registry.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// Metadata key prefixes.
const (
	unsyncedPrefix = "unsynced:"
	consumedPrefix = "consumed:"
)

// Pipeline runs claimed jobs through scan, classification and proposal
// generation, and applies approvals, execution and rollback to local runs.
// Every status change is persisted before it is reported.
type Pipeline struct {
	store      Store
	engine     *execution.Engine
	classifier *classification.Classifier
	recorder   ProposalRecorder
	logger     zerolog.Logger
	now        func() time.Time
	runLocks   sync.Map
}

// NewPipeline creates a pipeline. observer and recorder may be nil.
func NewPipeline(store Store, observer execution.Observer, recorder ProposalRecorder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		engine:     execution.NewEngine(store, observer, logger),
		classifier: classification.NewClassifier(classification.DefaultRules()),
		recorder:   recorder,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// lock serializes work on one run between the poll loop and the local API.
func (p *Pipeline) lock(runID string) func() {
	v, _ := p.runLocks.LoadOrStore(runID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Snapshot returns the local snapshot of a run.
func (p *Pipeline) Snapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	return p.store.GetSnapshot(ctx, runID)
}

// Process scans for a job and leaves its run awaiting approval. Run-level
// failures mark the run failed and are not returned as errors.
func (p *Pipeline) Process(ctx context.Context, job *models.CleanupJob, runID string, rep Reporter) (*models.RunSnapshot, error) {
	defer p.lock(runID)()
	log := p.logger.With().Str("run_id", runID).Str("job_id", job.ID).Logger()
	rep = orNop(rep)
	var push pushErrors

	summary := models.NewRunSummary(runID, job)
	summary.Status = models.RunStatusRunning
	if err := p.store.CreateRun(ctx, job, &summary); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	snap, err := p.store.GetSnapshot(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	push.add(p.emit(ctx, rep, snap, models.StageScanStarted, "scan started", nil))

	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		return p.failRun(ctx, rep, snap, models.StageScanCompleted, err.Error(), &push)
	}
	watched, err := p.store.ListWatchedPaths(ctx)
	if err != nil {
		return p.failRun(ctx, rep, snap, models.StageScanCompleted, err.Error(), &push)
	}
	decider := policy.New(watched, settings)

	res, err := scan.NewScanner(decider, p.store, settings, p.logger).Scan(ctx, watched, job.Scope)
	if err != nil {
		return p.failRun(ctx, rep, snap, models.StageScanCompleted, err.Error(), &push)
	}
	if res.MatchedWatchedPaths == 0 {
		log.Warn().Msg("no enabled watched paths match the job scope")
		return p.failRun(ctx, rep, snap, models.StageScanCompleted, string(models.CodeNoEnabledWatchedPaths), &push)
	}

	snap.Summary.FilesScanned = res.FilesScanned
	snap.Summary.SkippedForSafety = res.SkippedForSafety
	push.add(p.emit(ctx, rep, snap, models.StageScanCompleted, "scan completed", map[string]int64{
		"files_scanned":      int64(res.FilesScanned),
		"skipped_for_safety": int64(res.SkippedForSafety),
	}))

	classified := p.classifier.ClassifyAll(res.Candidates)
	push.add(p.emit(ctx, rep, snap, models.StageClassificationCompleted, "classification completed", map[string]int64{
		"classified": int64(len(classified)),
	}))

	proposals := proposal.NewGenerator(decider, settings, p.logger).Generate(runID, classified, job.Mode)
	push.add(p.emit(ctx, rep, snap, models.StageProposalGenerationCompleted, "proposals generated", map[string]int64{
		"proposals": int64(len(proposals)),
	}))

	if err := p.store.ReplaceProposals(ctx, runID, proposals); err != nil {
		return p.failRun(ctx, rep, snap, models.StageProposalGenerationCompleted, err.Error(), &push)
	}
	snap.Proposals = proposals
	snap.Recount()
	snap.Summary.DuplicatesFound = 0
	for _, pr := range proposals {
		if pr.Action == models.ActionDuplicateGroup {
			snap.Summary.DuplicatesFound++
		}
	}
	snap.Summary.Status = models.RunStatusAwaitingApproval
	if err := p.save(ctx, snap); err != nil {
		return nil, err
	}
	if p.recorder != nil {
		p.recorder.RecordProposals(len(proposals))
	}

	push.add(p.emit(ctx, rep, snap, models.StageAwaitingApproval, "awaiting approval", map[string]int64{
		"proposals": int64(len(proposals)),
	}))
	push.add(p.result(ctx, rep, snap))

	log.Info().Int("files_scanned", res.FilesScanned).Int("proposals", len(proposals)).Msg("run awaiting approval")
	return snap, push.err(runID)
}

// ApplyApprovals records decisions on a run's proposals and moves the run to
// ready_to_execute.
func (p *Pipeline) ApplyApprovals(ctx context.Context, runID string, decisions []models.ApprovalDecision, rep Reporter) (*models.RunSnapshot, error) {
	defer p.lock(runID)()
	rep = orNop(rep)
	snap, err := p.store.GetSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	status := snap.Summary.Status
	if status != models.RunStatusAwaitingApproval && status != models.RunStatusReadyToExecute {
		return nil, models.NewCodedError(models.CodeInvalidTransition,
			fmt.Sprintf("approvals cannot be applied to a %s run", status))
	}

	now := p.now()
	applied := snap.ApplyDecisions(decisions, now)
	decided := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		decided[d.ProposalID] = true
	}
	for i := range snap.Proposals {
		if !decided[snap.Proposals[i].ID] {
			continue
		}
		if err := p.store.UpdateProposal(ctx, &snap.Proposals[i]); err != nil {
			return nil, fmt.Errorf("update proposal: %w", err)
		}
	}

	snap.Summary.Status = models.RunStatusReadyToExecute
	if err := p.save(ctx, snap); err != nil {
		return nil, err
	}

	var push pushErrors
	push.add(p.emit(ctx, rep, snap, models.StageApprovalsApplied, "approvals applied", map[string]int64{
		"decisions": int64(applied),
	}))
	push.add(p.result(ctx, rep, snap))

	p.logger.Info().Str("run_id", runID).Int("applied", applied).Msg("approvals applied")
	return snap, push.err(runID)
}

// Execute applies the approved proposals of a run. Dry-run runs are refused
// with a coded dry_run_execution_blocked error and stay ready_to_execute.
func (p *Pipeline) Execute(ctx context.Context, runID string, rep Reporter) (*models.RunSnapshot, []models.ExecutionRecord, error) {
	defer p.lock(runID)()
	rep = orNop(rep)
	snap, err := p.store.GetSnapshot(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	var push pushErrors

	if snap.Summary.DryRun {
		push.add(p.emit(ctx, rep, snap, models.StageExecutionBlocked, string(models.CodeDryRunExecutionBlocked), nil))
		return snap, nil, execution.ErrDryRun
	}

	switch snap.Summary.Status {
	case models.RunStatusReadyToExecute:
	case models.RunStatusCompleted:
		// Re-execution after a rollback passes through ready_to_execute.
		snap.Summary.Status = models.RunStatusReadyToExecute
		if err := p.save(ctx, snap); err != nil {
			return nil, nil, err
		}
		push.add(p.emit(ctx, rep, snap, models.StageExecutionStarted, "re-execution requested", nil))
	default:
		return nil, nil, models.NewCodedError(models.CodeInvalidTransition,
			fmt.Sprintf("run cannot execute from %s", snap.Summary.Status))
	}

	snap.Summary.Status = models.RunStatusExecuting
	if err := p.save(ctx, snap); err != nil {
		return nil, nil, err
	}
	push.add(p.emit(ctx, rep, snap, models.StageExecutionStarted, "execution started", nil))

	decider, err := p.decider(ctx)
	if err != nil {
		return p.failExecution(ctx, rep, snap, err, &push)
	}
	next, records, err := p.engine.ExecuteApproved(ctx, snap, decider)
	if err != nil {
		return p.failExecution(ctx, rep, snap, err, &push)
	}

	push.add(p.emit(ctx, rep, next, models.StageExecutionCompleted, "execution completed", map[string]int64{
		"actions_executed":         int64(next.Summary.ActionsExecuted),
		"bytes_recovered_estimate": next.Summary.BytesRecoveredEstimate,
	}))
	push.add(p.result(ctx, rep, next))
	return next, records, push.err(runID)
}

// RollbackRun reverses every executed proposal of a run.
func (p *Pipeline) RollbackRun(ctx context.Context, runID string, rep Reporter) (*models.RunSnapshot, []models.ExecutionRecord, error) {
	defer p.lock(runID)()
	rep = orNop(rep)
	snap, err := p.store.GetSnapshot(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	next, records, err := p.engine.RollbackRun(ctx, snap)
	if err != nil {
		return nil, records, err
	}
	// Reload so proposals reverted back to approved are reported as stored.
	if reloaded, err := p.store.GetSnapshot(ctx, runID); err == nil {
		next = reloaded
	}

	undone := 0
	for _, rec := range records {
		if rec.Success {
			undone++
		}
	}
	var push pushErrors
	push.add(p.emit(ctx, rep, next, models.StageRollbackCompleted, "rollback completed", map[string]int64{
		"rolled_back":      int64(undone),
		"actions_executed": int64(next.Summary.ActionsExecuted),
	}))
	push.add(p.result(ctx, rep, next))
	return next, records, push.err(runID)
}

// RollbackExecution reverses one execution record. It returns the run the
// record belongs to and false when nothing was reverted.
func (p *Pipeline) RollbackExecution(ctx context.Context, executionID string, rep Reporter) (string, bool, error) {
	rep = orNop(rep)
	rec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", false, err
	}
	defer p.lock(rec.RunID)()

	ok, err := p.engine.RollbackExecution(ctx, executionID)
	if err != nil || !ok {
		return rec.RunID, false, err
	}

	snap, err := p.store.GetSnapshot(ctx, rec.RunID)
	if err != nil {
		return rec.RunID, true, err
	}
	var push pushErrors
	push.add(p.emit(ctx, rep, snap, models.StageRollbackCompleted, "execution rolled back", map[string]int64{
		"rolled_back":      1,
		"actions_executed": int64(snap.Summary.ActionsExecuted),
	}))
	push.add(p.result(ctx, rep, snap))
	return rec.RunID, true, push.err(rec.RunID)
}

// Cancel marks a local run canceled after the registry canceled it.
func (p *Pipeline) Cancel(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	defer p.lock(runID)()
	snap, err := p.store.GetSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !snap.Summary.Status.IsCancelable() {
		return snap, nil
	}
	now := p.now()
	snap.Summary.Status = models.RunStatusCanceled
	snap.Summary.FinishedAt = &now
	if err := p.save(ctx, snap); err != nil {
		return nil, err
	}
	ev := models.NewProgressEvent(runID, models.RunStatusCanceled, models.StageCanceled, "run canceled by registry", nil)
	ev.DeviceID = snap.Summary.DeviceID
	if err := p.store.AppendProgress(ctx, ev); err != nil {
		return nil, fmt.Errorf("append progress: %w", err)
	}
	p.logger.Info().Str("run_id", runID).Msg("run canceled")
	return snap, nil
}

// Resync pushes the snapshot of every run whose last report failed.
func (p *Pipeline) Resync(ctx context.Context, deviceID string, rep Reporter) error {
	flags, err := p.store.ListMetadata(ctx, unsyncedPrefix)
	if err != nil {
		return fmt.Errorf("list unsynced runs: %w", err)
	}
	keys := make([]string, 0, len(flags))
	for key := range flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		runID := strings.TrimPrefix(key, unsyncedPrefix)
		snap, err := p.store.GetSnapshot(ctx, runID)
		if errors.Is(err, runstore.ErrRunNotFound) {
			if err := p.store.DeleteMetadata(ctx, key); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if snap.Summary.DeviceID != deviceID {
			continue
		}
		err = rep.Result(ctx, snap.Summary.JobID, snap)
		switch {
		case err == nil, models.IsCode(err, models.CodeInvalidTransition), models.IsCode(err, models.CodeNotFound):
			// The registry either has the snapshot now or will never take it.
			if err != nil {
				p.logger.Warn().Err(err).Str("run_id", runID).Msg("registry rejected resync, dropping")
			}
			if err := p.store.DeleteMetadata(ctx, key); err != nil {
				return err
			}
		default:
			return &SyncError{RunID: runID, Err: err}
		}
	}
	return nil
}

// RecoverInterrupted fails every run left executing by a previous process.
// Completed renames are already recorded, so the counters are rebuilt from
// the stored proposals and the run stays rollback-able. Each recovered run
// is marked unsynced so the next tick reports it.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := p.store.ListRunsByStatus(ctx, models.RunStatusExecuting)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, run := range runs {
		if err := p.recoverRun(ctx, run.RunID); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (p *Pipeline) recoverRun(ctx context.Context, runID string) error {
	defer p.lock(runID)()
	snap, err := p.store.GetSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	if snap.Summary.Status != models.RunStatusExecuting {
		return nil
	}
	snap.Recount()
	snap.Summary.BytesRecoveredEstimate = executedBytes(snap.Proposals)
	snap.Summary.Fail(string(models.CodeExecutionInterrupted))
	if err := p.save(ctx, snap); err != nil {
		return err
	}
	ev := models.NewProgressEvent(runID, snap.Summary.Status, models.StageExecutionCompleted, string(models.CodeExecutionInterrupted), map[string]int64{
		"actions_executed": int64(snap.Summary.ActionsExecuted),
	})
	ev.DeviceID = snap.Summary.DeviceID
	if err := p.store.AppendProgress(ctx, ev); err != nil {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to persist progress")
	}
	p.markUnsynced(ctx, snap)
	p.logger.Warn().Str("run_id", runID).Int("actions_executed", snap.Summary.ActionsExecuted).Msg("interrupted execution marked failed")
	return nil
}

func executedBytes(proposals []models.Proposal) int64 {
	var total int64
	for _, pr := range proposals {
		if pr.Status == models.ProposalStatusExecuted {
			total += pr.SizeBytes
		}
	}
	return total
}

func (p *Pipeline) decider(ctx context.Context) (*policy.Engine, error) {
	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	watched, err := p.store.ListWatchedPaths(ctx)
	if err != nil {
		return nil, err
	}
	return policy.New(watched, settings), nil
}

// failRun records a run-level failure. The local write ignores cancellation
// so a stopped runtime never leaves the run in its previous status.
func (p *Pipeline) failRun(ctx context.Context, rep Reporter, snap *models.RunSnapshot, stage models.ProgressStage, msg string, push *pushErrors) (*models.RunSnapshot, error) {
	snap.Summary.Fail(msg)
	if err := p.save(ctx, snap); err != nil {
		return nil, err
	}
	push.add(p.emit(ctx, rep, snap, stage, msg, nil))
	push.add(p.result(ctx, rep, snap))
	p.logger.Warn().Str("run_id", snap.Summary.RunID).Str("error", msg).Msg("run failed")
	return snap, push.err(snap.Summary.RunID)
}

func (p *Pipeline) failExecution(ctx context.Context, rep Reporter, snap *models.RunSnapshot, cause error, push *pushErrors) (*models.RunSnapshot, []models.ExecutionRecord, error) {
	// Proposals may have been executed before the failure.
	if reloaded, err := p.store.GetSnapshot(context.WithoutCancel(ctx), snap.Summary.RunID); err == nil {
		snap = reloaded
	}
	snap.Recount()
	snap.Summary.BytesRecoveredEstimate = executedBytes(snap.Proposals)
	failed, err := p.failRun(ctx, rep, snap, models.StageExecutionCompleted, cause.Error(), push)
	if err != nil && !IsSyncError(err) {
		return nil, nil, err
	}
	return failed, nil, cause
}

func (p *Pipeline) save(ctx context.Context, snap *models.RunSnapshot) error {
	snap.Summary.UpdatedAt = p.now()
	if err := p.store.UpdateRunSummary(context.WithoutCancel(ctx), &snap.Summary); err != nil {
		return fmt.Errorf("update run summary: %w", err)
	}
	return nil
}

// emit persists a progress event for snap's current status and reports it.
func (p *Pipeline) emit(ctx context.Context, rep Reporter, snap *models.RunSnapshot, stage models.ProgressStage, msg string, counts map[string]int64) error {
	ev := models.NewProgressEvent(snap.Summary.RunID, snap.Summary.Status, stage, msg, counts)
	ev.DeviceID = snap.Summary.DeviceID
	if err := p.store.AppendProgress(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Warn().Err(err).Str("run_id", ev.RunID).Msg("failed to persist progress")
	}
	if err := rep.Progress(ctx, snap.Summary.JobID, ev); err != nil {
		p.markUnsynced(ctx, snap)
		return err
	}
	return nil
}

func (p *Pipeline) result(ctx context.Context, rep Reporter, snap *models.RunSnapshot) error {
	if err := rep.Result(ctx, snap.Summary.JobID, snap); err != nil {
		p.markUnsynced(ctx, snap)
		return err
	}
	if err := p.store.DeleteMetadata(ctx, unsyncedPrefix+snap.Summary.RunID); err != nil {
		p.logger.Warn().Err(err).Str("run_id", snap.Summary.RunID).Msg("failed to clear unsynced marker")
	}
	return nil
}

func (p *Pipeline) markUnsynced(ctx context.Context, snap *models.RunSnapshot) {
	if err := p.store.SetMetadata(context.WithoutCancel(ctx), unsyncedPrefix+snap.Summary.RunID, snap.Summary.JobID); err != nil {
		p.logger.Warn().Err(err).Str("run_id", snap.Summary.RunID).Msg("failed to mark run unsynced")
	}
}

// pushErrors keeps the first reporting failure of a pipeline step.
type pushErrors struct {
	first error
}

func (e *pushErrors) add(err error) {
	if err != nil && e.first == nil {
		e.first = err
	}
}

func (e *pushErrors) err(runID string) error {
	if e.first == nil {
		return nil
	}
	return &SyncError{RunID: runID, Err: e.first}
}

type nopReporter struct{}

func (nopReporter) Progress(context.Context, string, *models.ProgressEvent) error { return nil }
func (nopReporter) Result(context.Context, string, *models.RunSnapshot) error     { return nil }

func orNop(rep Reporter) Reporter {
	if rep == nil {
		return nopReporter{}
	}
	return rep
}
