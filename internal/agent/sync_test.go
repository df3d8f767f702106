package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/registry"
	"github.com/MacJediWizard/tidyup/internal/runstore"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serviceRegistry drives a registry.Service in process, authenticating
// every call with the device token the way the HTTP layer does.
type serviceRegistry struct {
	svc   *registry.Service
	token string

	mu       sync.Mutex
	clearErr error
	block    chan struct{}
	hold     chan struct{} // like block, but ignores cancellation
	cleared  []models.CommandKind
}

func (r *serviceRegistry) device(ctx context.Context) (*models.Device, error) {
	return r.svc.AuthenticateDevice(ctx, r.token)
}

func (r *serviceRegistry) Heartbeat(ctx context.Context, req models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	if r.hold != nil {
		<-r.hold
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d, err := r.device(ctx)
	if err != nil {
		return nil, err
	}
	return r.svc.Heartbeat(ctx, d, req)
}

func (r *serviceRegistry) NextJob(ctx context.Context) (*models.NextJobResponse, error) {
	d, err := r.device(ctx)
	if err != nil {
		return nil, err
	}
	return r.svc.ClaimNextJob(ctx, d)
}

func (r *serviceRegistry) AckJob(ctx context.Context, jobID string) error {
	d, err := r.device(ctx)
	if err != nil {
		return err
	}
	return r.svc.AckJob(ctx, d, jobID)
}

func (r *serviceRegistry) PostProgress(ctx context.Context, jobID string, req models.ProgressRequest) error {
	d, err := r.device(ctx)
	if err != nil {
		return err
	}
	return r.svc.ReportProgress(ctx, d, jobID, req)
}

func (r *serviceRegistry) PostResult(ctx context.Context, jobID string, req models.ResultRequest) error {
	d, err := r.device(ctx)
	if err != nil {
		return err
	}
	return r.svc.PutResult(ctx, d, jobID, req)
}

func (r *serviceRegistry) GetCommands(ctx context.Context, runID string) (*models.RunCommands, error) {
	d, err := r.device(ctx)
	if err != nil {
		return nil, err
	}
	return r.svc.GetCommands(ctx, d, runID)
}

func (r *serviceRegistry) ClearCommand(ctx context.Context, runID string, kind models.CommandKind) error {
	r.mu.Lock()
	clearErr := r.clearErr
	r.mu.Unlock()
	if clearErr != nil {
		return clearErr
	}
	d, err := r.device(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cleared = append(r.cleared, kind)
	r.mu.Unlock()
	return r.svc.ClearCommand(ctx, d, runID, kind)
}

func (r *serviceRegistry) setClearErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearErr = err
}

type mockTickRecorder struct {
	mu      sync.Mutex
	results []string
}

func (m *mockTickRecorder) RecordTick(result string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

type harness struct {
	home     string
	inbox    string
	store    *runstore.Store
	svc      *registry.Service
	reg      *serviceRegistry
	secrets  *vault.MemoryVault
	pipeline *Pipeline
	agent    *SyncAgent
	device   *models.Device
	ticks    *mockTickRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	home, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	inbox := filepath.Join(home, "Downloads")
	require.NoError(t, os.MkdirAll(inbox, 0o755))

	store, err := runstore.Open(filepath.Join(home, ".tidyup", "agent.db"), home, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateWatchedPath(ctx, models.NewWatchedPath(inbox, models.PathKindDownloads)))

	svc := registry.NewService(registry.NewMemoryRepository(), registry.Options{AutoApprovePairing: true}, zerolog.Nop())
	reg := &serviceRegistry{svc: svc}
	secrets := vault.NewMemoryVault()
	pipeline := NewPipeline(store, nil, nil, zerolog.Nop())
	agent := NewSyncAgent(reg, pipeline, store, secrets, nil, SyncOptions{AgentVersion: "test"}, zerolog.Nop())
	ticks := &mockTickRecorder{}
	agent.SetRecorder(ticks)

	return &harness{
		home:     home,
		inbox:    inbox,
		store:    store,
		svc:      svc,
		reg:      reg,
		secrets:  secrets,
		pipeline: pipeline,
		agent:    agent,
		ticks:    ticks,
	}
}

// pair completes pairing and stores the credentials in the vault.
func (h *harness) pair(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	start, err := h.svc.StartPairing(ctx, models.StartPairingRequest{Label: "laptop"})
	require.NoError(t, err)
	done, err := h.svc.CompletePairing(ctx, models.CompletePairingRequest{
		PairingSessionID: start.PairingSessionID,
		PairingCode:      start.PairingCode,
		DeviceLabel:      "laptop",
		OS:               "linux",
	})
	require.NoError(t, err)
	require.NoError(t, h.secrets.Set(vault.KeyDeviceID, done.DeviceID))
	require.NoError(t, h.secrets.Set(vault.KeyDeviceToken, done.DeviceToken))
	h.reg.token = done.DeviceToken
	h.device, err = h.svc.GetDevice(ctx, done.DeviceID)
	require.NoError(t, err)
}

func (h *harness) writeFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(h.inbox, name)
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))
	return p
}

func (h *harness) enqueue(t *testing.T, req models.EnqueueJobRequest) string {
	t.Helper()
	req.DeviceID = h.device.ID
	resp, err := h.svc.EnqueueJob(context.Background(), req)
	require.NoError(t, err)
	return resp.RunID
}

func (h *harness) tick(t *testing.T) time.Duration {
	t.Helper()
	delay, err := h.agent.Tick(context.Background())
	require.NoError(t, err)
	return delay
}

func (h *harness) registrySnapshot(t *testing.T, runID string) *models.RunSnapshot {
	t.Helper()
	snap, err := h.svc.GetSnapshot(context.Background(), runID)
	require.NoError(t, err)
	return snap
}

func (h *harness) localSnapshot(t *testing.T, runID string) *models.RunSnapshot {
	t.Helper()
	snap, err := h.store.GetSnapshot(context.Background(), runID)
	require.NoError(t, err)
	return snap
}

func approveAll(snap *models.RunSnapshot) models.ApprovalsRequest {
	req := models.ApprovalsRequest{RequestedBy: "tester"}
	for _, p := range snap.Proposals {
		req.Decisions = append(req.Decisions, models.ApprovalDecision{ProposalID: p.ID, Decision: models.DecisionApprove})
	}
	return req
}

func TestSyncAgent_UnpairedReschedules(t *testing.T) {
	h := newHarness(t)

	delay, err := h.agent.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryDelay, delay)
	assert.Equal(t, []string{TickResultUnpaired}, h.ticks.results)
	assert.Equal(t, PollStageIdle, h.agent.Status().Stage)
}

func TestSyncAgent_ApproveExecuteRollback(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	ctx := context.Background()
	source := h.writeFile(t, "Screenshot 1.png")

	runID := h.enqueue(t, models.EnqueueJobRequest{Mode: models.JobMode{DryRun: false}})
	assert.Equal(t, DefaultPollAfter, h.tick(t))

	local := h.localSnapshot(t, runID)
	assert.Equal(t, models.RunStatusAwaitingApproval, local.Summary.Status)
	require.Len(t, local.Proposals, 1)
	assert.Equal(t, models.ActionMove, local.Proposals[0].Action)
	target := local.Proposals[0].After.Path

	remote := h.registrySnapshot(t, runID)
	assert.Equal(t, models.RunStatusAwaitingApproval, remote.Summary.Status)
	assert.Equal(t, 1, remote.Summary.FilesScanned)
	require.Len(t, remote.Proposals, 1)

	progress, err := h.svc.ListProgress(ctx, runID)
	require.NoError(t, err)
	var stages []models.ProgressStage
	for _, ev := range progress {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []models.ProgressStage{
		models.StageScanStarted,
		models.StageScanCompleted,
		models.StageClassificationCompleted,
		models.StageProposalGenerationCompleted,
		models.StageAwaitingApproval,
	}, stages)

	// Approve and execute in one tick.
	_, err = h.svc.SetApprovals(ctx, runID, approveAll(remote))
	require.NoError(t, err)
	_, err = h.svc.RequestExecute(ctx, runID, models.CommandRequest{RequestedBy: "tester"})
	require.NoError(t, err)
	h.tick(t)

	local = h.localSnapshot(t, runID)
	assert.Equal(t, models.RunStatusCompleted, local.Summary.Status)
	assert.Equal(t, 1, local.Summary.ActionsExecuted)
	assert.Equal(t, int64(4), local.Summary.BytesRecoveredEstimate)
	assert.NoFileExists(t, source)
	assert.FileExists(t, target)

	remote = h.registrySnapshot(t, runID)
	assert.Equal(t, models.RunStatusCompleted, remote.Summary.Status)
	assert.Equal(t, models.ProposalStatusExecuted, remote.Proposals[0].Status)

	cmds, err := h.svc.GetCommands(ctx, h.device, runID)
	require.NoError(t, err)
	assert.True(t, cmds.Empty(), "handled mailboxes are cleared")

	// Roll back.
	_, err = h.svc.RequestRollback(ctx, runID, models.CommandRequest{RequestedBy: "tester"})
	require.NoError(t, err)
	h.tick(t)

	assert.FileExists(t, source)
	assert.NoFileExists(t, target)
	local = h.localSnapshot(t, runID)
	assert.Equal(t, 0, local.Summary.ActionsExecuted)
	assert.Equal(t, int64(0), local.Summary.BytesRecoveredEstimate)
	assert.Equal(t, models.ProposalStatusApproved, local.Proposals[0].Status)
	remote = h.registrySnapshot(t, runID)
	assert.Equal(t, 0, remote.Summary.ActionsExecuted)

	execs, err := h.store.ListExecutions(ctx, runID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, models.OperationMove, execs[0].Operation)
	assert.Equal(t, models.OperationRollback, execs[1].Operation)
}

func TestSyncAgent_NoWatchedPathsFailsRun(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	h.writeFile(t, "document.pdf")

	runID := h.enqueue(t, models.EnqueueJobRequest{Scope: models.JobScope{PathKinds: []string{models.PathKindPictures}}})
	h.tick(t)

	local := h.localSnapshot(t, runID)
	assert.Equal(t, models.RunStatusFailed, local.Summary.Status)
	assert.Equal(t, string(models.CodeNoEnabledWatchedPaths), local.Summary.ErrorMessage)

	remote := h.registrySnapshot(t, runID)
	assert.Equal(t, models.RunStatusFailed, remote.Summary.Status)
	assert.Equal(t, string(models.CodeNoEnabledWatchedPaths), remote.Summary.ErrorMessage)
	assert.Empty(t, remote.Proposals)
}

func TestSyncAgent_DryRunNeverMutates(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	ctx := context.Background()
	source := h.writeFile(t, "Screenshot 2.png")

	runID := h.enqueue(t, models.EnqueueJobRequest{Mode: models.JobMode{DryRun: true}})
	h.tick(t)

	_, err := h.svc.SetApprovals(ctx, runID, approveAll(h.registrySnapshot(t, runID)))
	require.NoError(t, err)
	_, err = h.svc.RequestExecute(ctx, runID, models.CommandRequest{})
	assert.True(t, models.IsCode(err, models.CodeDryRunExecutionBlocked))
	h.tick(t)

	local := h.localSnapshot(t, runID)
	assert.Equal(t, models.RunStatusReadyToExecute, local.Summary.Status)
	assert.Equal(t, models.ProposalStatusApproved, local.Proposals[0].Status)

	_, _, err = h.pipeline.Execute(ctx, runID, NewRegistryReporter(h.reg))
	assert.True(t, models.IsCode(err, models.CodeDryRunExecutionBlocked))
	assert.FileExists(t, source)

	execs, err := h.store.ListExecutions(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.Equal(t, models.RunStatusReadyToExecute, h.localSnapshot(t, runID).Summary.Status)
}

func TestSyncAgent_ConsumedCommandIsNotRepeated(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	ctx := context.Background()
	h.writeFile(t, "Screenshot 3.png")

	runID := h.enqueue(t, models.EnqueueJobRequest{})
	h.tick(t)
	_, err := h.svc.SetApprovals(ctx, runID, approveAll(h.registrySnapshot(t, runID)))
	require.NoError(t, err)
	_, err = h.svc.RequestExecute(ctx, runID, models.CommandRequest{})
	require.NoError(t, err)

	h.reg.setClearErr(errors.New("connection reset"))
	delay, err := h.agent.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, RetryDelay, delay)
	assert.Contains(t, h.agent.Status().LastError, "connection reset")

	execs, err := h.store.ListExecutions(ctx, runID)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	h.reg.setClearErr(nil)
	h.tick(t)

	execs, err = h.store.ListExecutions(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "a command already acted on is only cleared")

	cmds, err := h.svc.GetCommands(ctx, h.device, runID)
	require.NoError(t, err)
	assert.True(t, cmds.Empty())
}

func TestSyncAgent_ApprovalsWaitForAwaitingApproval(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	ctx := context.Background()
	h.writeFile(t, "Screenshot 4.png")

	runID := h.enqueue(t, models.EnqueueJobRequest{})
	h.tick(t)
	remote := h.registrySnapshot(t, runID)

	reject := models.ApprovalsRequest{Decisions: []models.ApprovalDecision{
		{ProposalID: remote.Proposals[0].ID, Decision: models.DecisionReject},
	}}
	_, err := h.svc.SetApprovals(ctx, runID, reject)
	require.NoError(t, err)
	h.tick(t)

	local := h.localSnapshot(t, runID)
	assert.Equal(t, models.RunStatusReadyToExecute, local.Summary.Status)
	assert.Equal(t, models.ProposalStatusRejected, local.Proposals[0].Status)

	// A newer approval arrives after the run left awaiting_approval.
	_, err = h.svc.SetApprovals(ctx, runID, approveAll(remote))
	require.NoError(t, err)
	h.tick(t)

	local = h.localSnapshot(t, runID)
	assert.Equal(t, models.ProposalStatusRejected, local.Proposals[0].Status)
	cmds, err := h.svc.GetCommands(ctx, h.device, runID)
	require.NoError(t, err)
	assert.NotNil(t, cmds.Approvals, "an approval the run cannot take stays queued")
}

func TestSyncAgent_CanceledRun(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	ctx := context.Background()
	h.writeFile(t, "document.pdf")

	runID := h.enqueue(t, models.EnqueueJobRequest{})
	h.tick(t)
	_, err := h.svc.CancelRun(ctx, runID)
	require.NoError(t, err)
	h.tick(t)

	assert.Equal(t, models.RunStatusCanceled, h.localSnapshot(t, runID).Summary.Status)
}

func TestSyncAgent_ResyncAfterFailedPush(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	ctx := context.Background()
	h.writeFile(t, "Screenshot 5.png")

	runID := h.enqueue(t, models.EnqueueJobRequest{})
	h.tick(t)
	_, err := h.svc.SetApprovals(ctx, runID, approveAll(h.registrySnapshot(t, runID)))
	require.NoError(t, err)

	// Approvals are applied locally while the registry is unreachable.
	_, err = h.pipeline.ApplyApprovals(ctx, runID, approveAll(h.localSnapshot(t, runID)).Decisions, failingReporter{})
	require.True(t, IsSyncError(err))
	flag, err := h.store.GetMetadata(ctx, unsyncedPrefix+runID)
	require.NoError(t, err)
	assert.NotEmpty(t, flag)

	h.tick(t)
	flag, err = h.store.GetMetadata(ctx, unsyncedPrefix+runID)
	require.NoError(t, err)
	assert.Empty(t, flag)
	assert.Equal(t, models.RunStatusReadyToExecute, h.registrySnapshot(t, runID).Summary.Status)
}

func TestSyncAgent_DrainSkipsJobs(t *testing.T) {
	h := newHarness(t)
	h.pair(t)
	h.writeFile(t, "document.pdf")
	runID := h.enqueue(t, models.EnqueueJobRequest{})

	res := h.agent.Drain(context.Background(), time.Second)
	assert.False(t, res.Forced)
	assert.False(t, h.agent.Status().AcceptingJobs)

	h.tick(t)
	assert.Equal(t, models.RunStatusQueued, h.registrySnapshot(t, runID).Summary.Status)

	h.agent.Resume()
	h.tick(t)
	assert.Equal(t, models.RunStatusAwaitingApproval, h.registrySnapshot(t, runID).Summary.Status)
}

func TestPollDelay(t *testing.T) {
	tests := []struct {
		ms   int
		want time.Duration
	}{
		{0, DefaultPollAfter},
		{-5, DefaultPollAfter},
		{200, MinPollAfter},
		{1000, time.Second},
		{7500, 7500 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pollDelay(tt.ms), "ms=%d", tt.ms)
	}
}

type failingReporter struct{}

func (failingReporter) Progress(context.Context, string, *models.ProgressEvent) error {
	return errors.New("registry unreachable")
}

func (failingReporter) Result(context.Context, string, *models.RunSnapshot) error {
	return errors.New("registry unreachable")
}
