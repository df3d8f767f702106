package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRunStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from RunStatus
		to   RunStatus
		want bool
	}{
		{RunStatusQueued, RunStatusClaimed, true},
		{RunStatusClaimed, RunStatusRunning, true},
		{RunStatusRunning, RunStatusAwaitingApproval, true},
		{RunStatusAwaitingApproval, RunStatusReadyToExecute, true},
		{RunStatusReadyToExecute, RunStatusExecuting, true},
		{RunStatusExecuting, RunStatusCompleted, true},
		{RunStatusCompleted, RunStatusReadyToExecute, true},
		{RunStatusAwaitingApproval, RunStatusAwaitingApproval, true},
		{RunStatusQueued, RunStatusRunning, false},
		{RunStatusRunning, RunStatusExecuting, false},
		{RunStatusAwaitingApproval, RunStatusRunning, false},
		{RunStatusReadyToExecute, RunStatusAwaitingApproval, false},
		{RunStatusCompleted, RunStatusQueued, false},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusExecuting, RunStatusFailed, true},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusAwaitingApproval, RunStatusCanceled, true},
		{RunStatusExecuting, RunStatusCanceled, false},
		{RunStatusCanceled, RunStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunStatus_NeverReturnsToEarlyStages(t *testing.T) {
	early := []RunStatus{RunStatusQueued, RunStatusClaimed, RunStatusRunning}
	late := []RunStatus{
		RunStatusAwaitingApproval, RunStatusReadyToExecute, RunStatusExecuting,
		RunStatusCompleted, RunStatusFailed, RunStatusCanceled,
	}
	for _, from := range late {
		for _, to := range early {
			if from.CanTransition(to) {
				t.Errorf("expected %s -> %s to be rejected", from, to)
			}
		}
	}
}

func TestRunSnapshot_Recount(t *testing.T) {
	snap := RunSnapshot{
		Summary: RunSummary{RunID: "run_1", ActionsExecuted: 7},
		Proposals: []Proposal{
			{ID: "a", Status: ProposalStatusExecuted},
			{ID: "b", Status: ProposalStatusApproved},
			{ID: "c", Status: ProposalStatusExecuted},
		},
	}
	snap.Recount()

	if snap.Summary.ProposalsCreated != 3 {
		t.Errorf("expected 3 proposals, got %d", snap.Summary.ProposalsCreated)
	}
	if snap.Summary.ActionsExecuted != 2 {
		t.Errorf("expected 2 executed, got %d", snap.Summary.ActionsExecuted)
	}
}

func TestRunSummary_Fail(t *testing.T) {
	job := NewCleanupJob("dev_1", TriggerManual, JobScope{}, JobMode{}, "tester")
	summary := NewRunSummary("run_1", job)
	summary.Fail(string(CodeNoEnabledWatchedPaths))

	if summary.Status != RunStatusFailed {
		t.Errorf("expected failed, got %s", summary.Status)
	}
	if summary.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
	if summary.ErrorMessage != "no_enabled_watched_paths_for_scope" {
		t.Errorf("unexpected error message %q", summary.ErrorMessage)
	}
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	job := NewCleanupJob("dev_1", "", JobScope{PathKinds: []string{"downloads"}}, JobMode{DryRun: true}, "")

	if !strings.HasPrefix(job.ID, "job_") {
		t.Errorf("expected job_ prefix, got %s", job.ID)
	}
	if job.Scope.MaxFiles != DefaultMaxFiles {
		t.Errorf("expected MaxFiles %d, got %d", DefaultMaxFiles, job.Scope.MaxFiles)
	}
	if len(job.Mode.AllowedActions) != 4 {
		t.Errorf("expected default actions, got %v", job.Mode.AllowedActions)
	}
	if !job.Mode.Allows(ActionIndexOnly) || job.Mode.Allows(ActionManualReview) {
		t.Errorf("unexpected allowed set %v", job.Mode.AllowedActions)
	}
	if job.Trigger != TriggerManual {
		t.Errorf("expected manual trigger, got %s", job.Trigger)
	}
	if job.Status != RunStatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}
}

func TestPairingSession_Lifecycle(t *testing.T) {
	session := NewPairingSession("ABC234", "laptop", time.Minute, true)
	if !session.IsValid() {
		t.Fatal("expected fresh approved session to be valid")
	}

	session.MarkUsed("dev_1")
	if !session.IsUsed() || session.IsValid() {
		t.Error("expected consumed session to be invalid")
	}
	if session.DeviceID != "dev_1" {
		t.Errorf("expected device id dev_1, got %s", session.DeviceID)
	}

	expired := NewPairingSession("ABC234", "", -time.Second, true)
	if !expired.IsExpired() || expired.IsValid() {
		t.Error("expected expired session to be invalid")
	}

	unapproved := NewPairingSession("ABC234", "", time.Minute, false)
	if unapproved.IsValid() {
		t.Error("expected unapproved session to be invalid")
	}
}

func TestDevice_RecordHeartbeat(t *testing.T) {
	device := NewDevice("laptop", "darwin", "hash")
	if device.Status != DeviceStatusOffline {
		t.Fatalf("expected offline, got %s", device.Status)
	}

	now := time.Now().UTC()
	device.RecordHeartbeat(HeartbeatRequest{AgentVersion: "1.0.0", LocalUIPort: 5050}, now)

	if device.Status != DeviceStatusOnline {
		t.Errorf("expected online, got %s", device.Status)
	}
	if device.AgentVersion != "1.0.0" || device.LocalUIPort != 5050 {
		t.Errorf("heartbeat fields not applied: %+v", device)
	}
	if device.IsStale(now.Add(time.Second), time.Minute) {
		t.Error("expected device to be fresh")
	}
	if !device.IsStale(now.Add(2*time.Minute), time.Minute) {
		t.Error("expected device to be stale")
	}
}

func TestCodedError(t *testing.T) {
	base := errors.New("disk gone")
	err := fmt.Errorf("execute: %w", WrapCoded(CodeSourceMissing, base))

	if CodeOf(err) != CodeSourceMissing {
		t.Errorf("expected source_missing, got %q", CodeOf(err))
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped cause to be reachable")
	}
	if !errors.Is(err, NewCodedError(CodeSourceMissing, "")) {
		t.Error("expected errors.Is to match on code")
	}
	if IsCode(nil, CodeSourceMissing) {
		t.Error("expected nil to carry no code")
	}
	if CodeOf(base) != "" {
		t.Error("expected plain error to carry no code")
	}
}

func TestRunSnapshot_ApplyDecisions(t *testing.T) {
	snap := RunSnapshot{
		Proposals: []Proposal{
			{ID: "a", Status: ProposalStatusProposed, After: PathOf("/o/a.png")},
			{ID: "b", Status: ProposalStatusProposed},
			{ID: "c", Status: ProposalStatusExecuted},
			{ID: "d", Status: ProposalStatusFailed, Error: "source_missing"},
		},
	}
	now := time.Now().UTC()

	applied := snap.ApplyDecisions([]ApprovalDecision{
		{ProposalID: "a", Decision: DecisionApprove, EditedAfter: "/o/edited.png"},
		{ProposalID: "b", Decision: DecisionReject},
		{ProposalID: "c", Decision: DecisionApprove},
		{ProposalID: "d", Decision: DecisionApprove},
		{ProposalID: "missing", Decision: DecisionApprove},
	}, now)

	if applied != 3 {
		t.Errorf("expected 3 applied, got %d", applied)
	}
	if snap.Proposals[0].Status != ProposalStatusApproved || snap.Proposals[0].After.Path != "/o/edited.png" {
		t.Errorf("expected a approved with edited target, got %+v", snap.Proposals[0])
	}
	if snap.Proposals[1].Status != ProposalStatusRejected {
		t.Errorf("expected b rejected, got %s", snap.Proposals[1].Status)
	}
	if snap.Proposals[2].Status != ProposalStatusExecuted {
		t.Errorf("executed proposal must not change, got %s", snap.Proposals[2].Status)
	}
	if snap.Proposals[3].Status != ProposalStatusApproved || snap.Proposals[3].Error != "" {
		t.Errorf("expected failed proposal re-approved with cleared error, got %+v", snap.Proposals[3])
	}
	if !snap.Proposals[0].UpdatedAt.Equal(now) {
		t.Error("expected UpdatedAt to be stamped")
	}
}
