package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (m *mockPublisher) Publish(ev models.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

type mockRecorder struct {
	paired, heartbeats, claimed int
	enqueued                    map[models.TriggerKind]int
	statuses                    []models.RunStatus
	commands                    []models.CommandKind
}

func (m *mockRecorder) PairingCompleted()  { m.paired++ }
func (m *mockRecorder) HeartbeatReceived() { m.heartbeats++ }
func (m *mockRecorder) JobClaimed()        { m.claimed++ }
func (m *mockRecorder) JobEnqueued(trigger models.TriggerKind) {
	if m.enqueued == nil {
		m.enqueued = make(map[models.TriggerKind]int)
	}
	m.enqueued[trigger]++
}
func (m *mockRecorder) RunStatusChanged(status models.RunStatus) {
	m.statuses = append(m.statuses, status)
}
func (m *mockRecorder) CommandQueued(kind models.CommandKind) {
	m.commands = append(m.commands, kind)
}

func newTestService(t *testing.T) (*Service, *MemoryRepository, *mockPublisher, *mockRecorder) {
	t.Helper()
	repo := NewMemoryRepository()
	svc := NewService(repo, Options{AutoApprovePairing: true}, zerolog.Nop())
	pub := &mockPublisher{}
	rec := &mockRecorder{}
	svc.SetPublisher(pub)
	svc.SetRecorder(rec)
	return svc, repo, pub, rec
}

func pairDevice(t *testing.T, svc *Service, label string) (*models.Device, string) {
	t.Helper()
	ctx := context.Background()
	start, err := svc.StartPairing(ctx, models.StartPairingRequest{Label: label})
	require.NoError(t, err)
	done, err := svc.CompletePairing(ctx, models.CompletePairingRequest{
		PairingSessionID: start.PairingSessionID,
		PairingCode:      start.PairingCode,
		DeviceLabel:      label,
		OS:               "linux",
	})
	require.NoError(t, err)
	device, err := svc.AuthenticateDevice(ctx, done.DeviceToken)
	require.NoError(t, err)
	return device, done.DeviceToken
}

func enqueue(t *testing.T, svc *Service, deviceID string, dryRun bool) *models.EnqueueJobResponse {
	t.Helper()
	resp, err := svc.EnqueueJob(context.Background(), models.EnqueueJobRequest{
		DeviceID: deviceID,
		Mode:     models.JobMode{DryRun: dryRun},
	})
	require.NoError(t, err)
	return resp
}

func TestPairing(t *testing.T) {
	svc, repo, _, rec := newTestService(t)
	ctx := context.Background()

	start, err := svc.StartPairing(ctx, models.StartPairingRequest{Label: "laptop"})
	require.NoError(t, err)
	assert.Len(t, start.PairingCode, models.PairingCodeLength)
	for _, c := range start.PairingCode {
		assert.Contains(t, models.PairingCodeAlphabet, string(c))
	}
	assert.True(t, start.ExpiresAt.After(time.Now()))

	_, err = svc.CompletePairing(ctx, models.CompletePairingRequest{
		PairingSessionID: start.PairingSessionID, PairingCode: "WRONG1", DeviceLabel: "laptop",
	})
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	done, err := svc.CompletePairing(ctx, models.CompletePairingRequest{
		PairingSessionID: start.PairingSessionID, PairingCode: start.PairingCode, DeviceLabel: "laptop", OS: "darwin",
	})
	require.NoError(t, err)
	assert.True(t, IsValidTokenFormat(done.DeviceToken))

	stored, err := repo.GetDevice(ctx, done.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, HashToken(done.DeviceToken), stored.TokenHash)
	assert.NotEqual(t, done.DeviceToken, stored.TokenHash)
	assert.Equal(t, models.DeviceStatusOffline, stored.Status)

	_, err = svc.CompletePairing(ctx, models.CompletePairingRequest{
		PairingSessionID: start.PairingSessionID, PairingCode: start.PairingCode, DeviceLabel: "laptop",
	})
	assert.True(t, models.IsCode(err, models.CodeForbidden), "a session is consumed exactly once")

	_, err = svc.CompletePairing(ctx, models.CompletePairingRequest{
		PairingSessionID: "pair_missing", PairingCode: "AAAAAA", DeviceLabel: "laptop",
	})
	assert.True(t, models.IsCode(err, models.CodeNotFound))
	assert.Equal(t, 1, rec.paired)
}

func TestPairing_ExpiredOrUnapproved(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	expired := models.NewPairingSession("ABCDEF", "old", time.Minute, true)
	expired.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, repo.CreatePairingSession(ctx, expired))
	_, err := svc.CompletePairing(ctx, models.CompletePairingRequest{
		PairingSessionID: expired.ID, PairingCode: "abcdef", DeviceLabel: "x",
	})
	assert.True(t, models.IsCode(err, models.CodeForbidden))

	pending := models.NewPairingSession("ABCDEF", "new", time.Minute, false)
	require.NoError(t, repo.CreatePairingSession(ctx, pending))
	_, err = svc.CompletePairing(ctx, models.CompletePairingRequest{
		PairingSessionID: pending.ID, PairingCode: "ABCDEF", DeviceLabel: "x",
	})
	assert.True(t, models.IsCode(err, models.CodeForbidden))
}

func TestAuthenticateDevice(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	for _, token := range []string{"", "Bearer abc", "tdy_short", DeviceTokenPrefix + strings.Repeat("z", DeviceTokenLength)} {
		_, err := svc.AuthenticateDevice(ctx, token)
		assert.True(t, models.IsCode(err, models.CodeUnauthorized), token)
	}

	unknown, err := GenerateDeviceToken()
	require.NoError(t, err)
	_, err = svc.AuthenticateDevice(ctx, unknown)
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))
}

func TestHeartbeatAndDevices(t *testing.T) {
	svc, _, _, rec := newTestService(t)
	ctx := context.Background()
	zed, _ := pairDevice(t, svc, "zed")
	alpha, _ := pairDevice(t, svc, "Alpha")

	_, err := svc.Heartbeat(ctx, zed, models.HeartbeatRequest{DeviceID: alpha.ID})
	assert.True(t, models.IsCode(err, models.CodeForbidden))

	resp, err := svc.Heartbeat(ctx, zed, models.HeartbeatRequest{
		DeviceID:     zed.ID,
		AgentVersion: "1.2.3",
		Capabilities: models.DefaultCapabilities(),
		LocalUIPort:  5050,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 3000, resp.PollAfterMs)
	assert.Equal(t, models.DeviceStatusOnline, resp.Device.Status)

	got, err := svc.GetDevice(ctx, zed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, got.Status)
	assert.Equal(t, "1.2.3", got.AgentVersion)
	require.NotNil(t, got.LastHeartbeatAt)

	devices, err := svc.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Alpha", devices[0].Label)
	assert.Equal(t, "zed", devices[1].Label)

	svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	got, err = svc.GetDevice(ctx, zed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOffline, got.Status, "missed heartbeats turn a device offline")

	_, err = svc.GetDevice(ctx, "dev_missing")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
	assert.Equal(t, 1, rec.heartbeats)
}

func TestEnqueueJob(t *testing.T) {
	svc, _, _, rec := newTestService(t)
	ctx := context.Background()
	device, _ := pairDevice(t, svc, "laptop")

	_, err := svc.EnqueueJob(ctx, models.EnqueueJobRequest{DeviceID: "dev_missing"})
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	_, err = svc.EnqueueJob(ctx, models.EnqueueJobRequest{
		DeviceID: device.ID,
		Mode:     models.JobMode{AllowedActions: []models.ActionKind{"delete"}},
	})
	assert.True(t, models.IsCode(err, models.CodeInvalidRequest))

	_, err = svc.EnqueueJob(ctx, models.EnqueueJobRequest{DeviceID: device.ID, Trigger: "cron"})
	assert.True(t, models.IsCode(err, models.CodeInvalidRequest))

	resp := enqueue(t, svc, device.ID, true)
	assert.Equal(t, models.RunStatusQueued, resp.Status)
	assert.Equal(t, models.DefaultAllowedActions(), resp.Job.Mode.AllowedActions)
	assert.Equal(t, models.DefaultMaxFiles, resp.Job.Scope.MaxFiles)
	assert.Equal(t, models.TriggerManual, resp.Job.Trigger)

	snap, err := svc.GetSnapshot(ctx, resp.RunID)
	require.NoError(t, err)
	assert.True(t, snap.Summary.DryRun)
	assert.Equal(t, resp.Job.ID, snap.Summary.JobID)

	job, err := svc.GetJob(ctx, resp.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.RunID, job.RunID)
	assert.Equal(t, 1, rec.enqueued[models.TriggerManual])
}

func TestClaimNextJob_FIFOAndAtMostOnce(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	device, _ := pairDevice(t, svc, "laptop")
	other, _ := pairDevice(t, svc, "desktop")

	first := enqueue(t, svc, device.ID, true)
	second := enqueue(t, svc, device.ID, true)
	enqueue(t, svc, other.ID, true)

	next, err := svc.ClaimNextJob(ctx, device)
	require.NoError(t, err)
	require.NotNil(t, next.Job)
	assert.Equal(t, first.Job.ID, next.Job.ID)
	assert.Equal(t, first.RunID, next.RunID)

	next, err = svc.ClaimNextJob(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, second.Job.ID, next.Job.ID)

	next, err = svc.ClaimNextJob(ctx, device)
	require.NoError(t, err)
	assert.Nil(t, next.Job)

	snap, err := svc.GetSnapshot(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusClaimed, snap.Summary.Status)
}

func TestProgressAndResult_TransitionGuard(t *testing.T) {
	svc, _, pub, _ := newTestService(t)
	ctx := context.Background()
	device, _ := pairDevice(t, svc, "laptop")
	intruder, _ := pairDevice(t, svc, "intruder")
	job := enqueue(t, svc, device.ID, false)

	_, err := svc.ClaimNextJob(ctx, device)
	require.NoError(t, err)
	require.NoError(t, svc.AckJob(ctx, device, job.Job.ID))
	assert.True(t, models.IsCode(svc.AckJob(ctx, intruder, job.Job.ID), models.CodeForbidden))
	assert.True(t, models.IsCode(svc.AckJob(ctx, device, "job_missing"), models.CodeNotFound))

	progress := func(status models.RunStatus, stage models.ProgressStage) error {
		return svc.ReportProgress(ctx, device, job.Job.ID, models.ProgressRequest{
			RunID: job.RunID, Status: status, Stage: stage, Message: string(stage),
		})
	}
	require.NoError(t, progress(models.RunStatusRunning, models.StageScanStarted))
	require.NoError(t, progress(models.RunStatusAwaitingApproval, models.StageAwaitingApproval))

	for _, back := range []models.RunStatus{models.RunStatusQueued, models.RunStatusClaimed, models.RunStatusRunning} {
		err := progress(back, models.StageScanStarted)
		assert.True(t, models.IsCode(err, models.CodeInvalidTransition), back)
	}
	assert.True(t, models.IsCode(svc.AckJob(ctx, device, job.Job.ID), models.CodeInvalidTransition))

	err = svc.ReportProgress(ctx, device, job.Job.ID, models.ProgressRequest{
		RunID: "run_other", Status: models.RunStatusAwaitingApproval, Stage: models.StageAwaitingApproval,
	})
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	err = svc.ReportProgress(ctx, intruder, job.Job.ID, models.ProgressRequest{
		RunID: job.RunID, Status: models.RunStatusAwaitingApproval, Stage: models.StageAwaitingApproval,
	})
	assert.True(t, models.IsCode(err, models.CodeForbidden))

	proposal := models.Proposal{ID: "prop_1", RunID: job.RunID, Action: models.ActionRename, Status: models.ProposalStatusProposed}
	result := models.ResultRequest{RunID: job.RunID, Snapshot: models.RunSnapshot{
		Summary:   models.RunSummary{RunID: job.RunID, Status: models.RunStatusAwaitingApproval, ProposalsCreated: 1, DeviceID: "spoofed"},
		Proposals: []models.Proposal{proposal},
	}}
	require.NoError(t, svc.PutResult(ctx, device, job.Job.ID, result))

	result.Snapshot.Summary.Status = models.RunStatusRunning
	assert.True(t, models.IsCode(svc.PutResult(ctx, device, job.Job.ID, result), models.CodeInvalidTransition))

	detail, err := svc.GetRun(ctx, job.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAwaitingApproval, detail.Snapshot.Summary.Status)
	assert.Equal(t, device.ID, detail.Snapshot.Summary.DeviceID)
	assert.Equal(t, job.Job.ID, detail.Snapshot.Summary.JobID)
	require.Len(t, detail.Snapshot.Proposals, 1)
	require.Len(t, detail.Progress, 2)
	assert.Equal(t, device.ID, detail.Progress[0].DeviceID)
	assert.Len(t, pub.events, 2)

	got, err := svc.GetJob(ctx, job.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAwaitingApproval, got.Status)
}

// advanceToApproval walks a live job to awaiting_approval with one proposal.
func advanceToApproval(t *testing.T, svc *Service, device *models.Device, dryRun bool) *models.EnqueueJobResponse {
	t.Helper()
	ctx := context.Background()
	job := enqueue(t, svc, device.ID, dryRun)
	_, err := svc.ClaimNextJob(ctx, device)
	require.NoError(t, err)
	require.NoError(t, svc.PutResult(ctx, device, job.Job.ID, models.ResultRequest{
		RunID: job.RunID,
		Snapshot: models.RunSnapshot{
			Summary: models.RunSummary{RunID: job.RunID, Status: models.RunStatusAwaitingApproval, ProposalsCreated: 2},
			Proposals: []models.Proposal{
				{ID: "prop_a", RunID: job.RunID, Action: models.ActionRename, Status: models.ProposalStatusProposed, After: models.PathOf("/a")},
				{ID: "prop_b", RunID: job.RunID, Action: models.ActionMove, Status: models.ProposalStatusProposed},
			},
		},
	}))
	return job
}

func TestCommandMailboxes(t *testing.T) {
	svc, _, _, rec := newTestService(t)
	ctx := context.Background()
	device, _ := pairDevice(t, svc, "laptop")
	intruder, _ := pairDevice(t, svc, "intruder")
	job := advanceToApproval(t, svc, device, false)

	cmds, err := svc.GetCommands(ctx, device, job.RunID)
	require.NoError(t, err)
	assert.True(t, cmds.Empty())
	assert.Equal(t, models.RunStatusAwaitingApproval, cmds.RunStatus)

	_, err = svc.SetApprovals(ctx, job.RunID, models.ApprovalsRequest{
		Decisions: []models.ApprovalDecision{{ProposalID: "prop_unknown", Decision: models.DecisionApprove}},
	})
	assert.True(t, models.IsCode(err, models.CodeInvalidRequest))

	_, err = svc.SetApprovals(ctx, job.RunID, models.ApprovalsRequest{
		Decisions: []models.ApprovalDecision{{ProposalID: "prop_a", Decision: models.DecisionReject}},
	})
	require.NoError(t, err)

	summary, err := svc.SetApprovals(ctx, job.RunID, models.ApprovalsRequest{
		Decisions: []models.ApprovalDecision{
			{ProposalID: "prop_a", Decision: models.DecisionApprove, EditedAfter: "/edited"},
			{ProposalID: "prop_b", Decision: models.DecisionReject},
		},
		RequestedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusReadyToExecute, summary.Status)

	snap, err := svc.GetSnapshot(ctx, job.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusApproved, snap.Proposals[0].Status)
	assert.Equal(t, "/edited", snap.Proposals[0].After.Path)
	assert.Equal(t, models.ProposalStatusRejected, snap.Proposals[1].Status)

	_, err = svc.RequestExecute(ctx, job.RunID, models.CommandRequest{RequestedBy: "alice"})
	require.NoError(t, err)
	_, err = svc.RequestRollback(ctx, job.RunID, models.CommandRequest{})
	require.NoError(t, err)

	cmds, err = svc.GetCommands(ctx, device, job.RunID)
	require.NoError(t, err)
	require.NotNil(t, cmds.Approvals)
	assert.Len(t, cmds.Approvals.Decisions, 2, "the later approval command replaces the earlier one")
	assert.Equal(t, "alice", cmds.Approvals.RequestedBy)
	require.NotNil(t, cmds.Execute)
	require.NotNil(t, cmds.Rollback)

	_, err = svc.GetCommands(ctx, intruder, job.RunID)
	assert.True(t, models.IsCode(err, models.CodeForbidden))
	assert.True(t, models.IsCode(svc.ClearCommand(ctx, intruder, job.RunID, models.CommandExecute), models.CodeForbidden))
	assert.True(t, models.IsCode(svc.ClearCommand(ctx, device, job.RunID, "bogus"), models.CodeInvalidRequest))

	require.NoError(t, svc.ClearCommand(ctx, device, job.RunID, models.CommandApprovals))
	require.NoError(t, svc.ClearCommand(ctx, device, job.RunID, models.CommandExecute))
	cmds, err = svc.GetCommands(ctx, device, job.RunID)
	require.NoError(t, err)
	assert.Nil(t, cmds.Approvals)
	assert.Nil(t, cmds.Execute)
	assert.NotNil(t, cmds.Rollback)

	_, err = svc.GetCommands(ctx, device, "run_missing")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
	assert.Len(t, rec.commands, 4)
}

func TestRequestExecute_DryRunBlocked(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	device, _ := pairDevice(t, svc, "laptop")
	job := advanceToApproval(t, svc, device, true)

	_, err := svc.RequestExecute(context.Background(), job.RunID, models.CommandRequest{})
	assert.True(t, models.IsCode(err, models.CodeDryRunExecutionBlocked))

	cmds, err := svc.GetCommands(context.Background(), device, job.RunID)
	require.NoError(t, err)
	assert.Nil(t, cmds.Execute)
}

func TestCancelRun(t *testing.T) {
	svc, _, pub, _ := newTestService(t)
	ctx := context.Background()
	device, _ := pairDevice(t, svc, "laptop")
	job := advanceToApproval(t, svc, device, false)

	summary, err := svc.CancelRun(ctx, job.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, summary.Status)
	assert.NotNil(t, summary.FinishedAt)
	require.Len(t, pub.events, 1)
	assert.Equal(t, models.StageCanceled, pub.events[0].Stage)

	_, err = svc.CancelRun(ctx, job.RunID)
	assert.True(t, models.IsCode(err, models.CodeInvalidTransition))

	err = svc.ReportProgress(ctx, device, job.Job.ID, models.ProgressRequest{
		RunID: job.RunID, Status: models.RunStatusExecuting, Stage: models.StageExecutionStarted,
	})
	assert.True(t, models.IsCode(err, models.CodeInvalidTransition))

	runs, err := svc.ListRuns(ctx, RunFilter{Status: models.RunStatusCanceled})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, job.RunID, runs[0].RunID)

	_, err = svc.ListRuns(ctx, RunFilter{Status: "bogus"})
	assert.True(t, models.IsCode(err, models.CodeInvalidRequest))
}
