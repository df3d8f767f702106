package models

import "time"

// RunStatus is the lifecycle state of a cleanup run.
type RunStatus string

const (
	// RunStatusQueued indicates the job is waiting for its device to claim it.
	RunStatusQueued RunStatus = "queued"
	// RunStatusClaimed indicates the device took the job but has not acknowledged it.
	RunStatusClaimed RunStatus = "claimed"
	// RunStatusRunning indicates scan, classification and proposal generation are underway.
	RunStatusRunning RunStatus = "running"
	// RunStatusAwaitingApproval indicates proposals exist and wait for a decision.
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	// RunStatusReadyToExecute indicates approvals were applied.
	RunStatusReadyToExecute RunStatus = "ready_to_execute"
	// RunStatusExecuting indicates approved proposals are being applied.
	RunStatusExecuting RunStatus = "executing"
	// RunStatusCompleted indicates an execution pass finished.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run stopped on a run-level failure.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the run was canceled before execution.
	RunStatusCanceled RunStatus = "canceled"
)

// runTransitions lists the forward edges of the run lifecycle. Failed and
// canceled are handled separately in CanTransition.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:           {RunStatusClaimed},
	RunStatusClaimed:          {RunStatusRunning},
	RunStatusRunning:          {RunStatusAwaitingApproval},
	RunStatusAwaitingApproval: {RunStatusReadyToExecute},
	RunStatusReadyToExecute:   {RunStatusExecuting},
	RunStatusExecuting:        {RunStatusCompleted},
	// Proposals reverted by rollback are approved again and may be re-executed.
	RunStatusCompleted: {RunStatusReadyToExecute},
}

// IsTerminal reports whether no further pipeline stage will run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFailed || s == RunStatusCanceled
}

// IsCancelable reports whether the run has not started executing yet.
func (s RunStatus) IsCancelable() bool {
	switch s {
	case RunStatusQueued, RunStatusClaimed, RunStatusRunning, RunStatusAwaitingApproval, RunStatusReadyToExecute:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusQueued, RunStatusClaimed, RunStatusRunning, RunStatusAwaitingApproval,
		RunStatusReadyToExecute, RunStatusExecuting, RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from s to next. Re-entering
// the current status is always allowed so that snapshot pushes are idempotent.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	switch next {
	case RunStatusFailed:
		return true
	case RunStatusCanceled:
		return s.IsCancelable()
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunSummary holds mutable status and counters for one job's run.
type RunSummary struct {
	RunID                  string     `json:"run_id"`
	JobID                  string     `json:"job_id"`
	DeviceID               string     `json:"device_id"`
	Status                 RunStatus  `json:"status"`
	DryRun                 bool       `json:"dry_run"`
	StartedAt              time.Time  `json:"started_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	FinishedAt             *time.Time `json:"finished_at,omitempty"`
	FilesScanned           int        `json:"files_scanned"`
	ProposalsCreated       int        `json:"proposals_created"`
	ActionsExecuted        int        `json:"actions_executed"`
	DuplicatesFound        int        `json:"duplicates_found"`
	BytesRecoveredEstimate int64      `json:"bytes_recovered_estimate"`
	SkippedForSafety       int        `json:"skipped_for_safety"`
	ErrorMessage           string     `json:"error_message,omitempty"`
}

// NewRunSummary creates a queued summary for a job.
func NewRunSummary(runID string, job *CleanupJob) RunSummary {
	now := time.Now().UTC()
	return RunSummary{
		RunID:     runID,
		JobID:     job.ID,
		DeviceID:  job.DeviceID,
		Status:    RunStatusQueued,
		DryRun:    job.Mode.DryRun,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Fail marks the summary failed with msg.
func (r *RunSummary) Fail(msg string) {
	now := time.Now().UTC()
	r.Status = RunStatusFailed
	r.ErrorMessage = msg
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// RunSnapshot is a run summary together with its proposal set.
type RunSnapshot struct {
	Summary   RunSummary `json:"summary"`
	Proposals []Proposal `json:"proposals"`
}

// Recount brings ProposalsCreated and ActionsExecuted in line with the
// proposal set.
func (s *RunSnapshot) Recount() {
	s.Summary.ProposalsCreated = len(s.Proposals)
	executed := 0
	for _, p := range s.Proposals {
		if p.Status == ProposalStatusExecuted {
			executed++
		}
	}
	s.Summary.ActionsExecuted = executed
}

// ProgressStage names a pipeline milestone reported to the registry.
type ProgressStage string

const (
	StageScanStarted                 ProgressStage = "scan_started"
	StageScanCompleted               ProgressStage = "scan_completed"
	StageClassificationCompleted     ProgressStage = "classification_completed"
	StageProposalGenerationCompleted ProgressStage = "proposal_generation_completed"
	StageAwaitingApproval            ProgressStage = "awaiting_approval"
	StageApprovalsApplied            ProgressStage = "approvals_applied"
	StageExecutionStarted            ProgressStage = "execution_started"
	StageExecutionBlocked            ProgressStage = "execution_blocked"
	StageExecutionCompleted          ProgressStage = "execution_completed"
	StageRollbackCompleted           ProgressStage = "rollback_completed"
	StageCanceled                    ProgressStage = "canceled"
)

// ProgressEvent is one entry of a run's progress log.
type ProgressEvent struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	DeviceID  string           `json:"device_id,omitempty"`
	Status    RunStatus        `json:"status"`
	Stage     ProgressStage    `json:"stage"`
	Message   string           `json:"message"`
	Counts    map[string]int64 `json:"counts,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewProgressEvent creates a progress event stamped with the current time.
func NewProgressEvent(runID string, status RunStatus, stage ProgressStage, message string, counts map[string]int64) *ProgressEvent {
	return &ProgressEvent{
		ID:        NewID(PrefixProgress),
		RunID:     runID,
		Status:    status,
		Stage:     stage,
		Message:   message,
		Counts:    counts,
		CreatedAt: time.Now().UTC(),
	}
}
