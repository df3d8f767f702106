package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/runstore"
	"github.com/MacJediWizard/tidyup/internal/shutdown"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/rs/zerolog"
)

// Poll scheduling.
const (
	DefaultPollAfter = 3 * time.Second
	MinPollAfter     = 1 * time.Second
	RetryDelay       = 5 * time.Second
)

// PollStage is what the current tick is doing.
type PollStage string

const (
	PollStageIdle      PollStage = "idle"
	PollStageHeartbeat PollStage = "heartbeat"
	PollStageJobs      PollStage = "jobs"
	PollStageCommands  PollStage = "commands"
)

// Tick results recorded in metrics.
const (
	TickResultOK       = "ok"
	TickResultError    = "error"
	TickResultUnpaired = "unpaired"
)

// Registry is the part of the registry API the poll loop uses. *Client
// implements it.
type Registry interface {
	Heartbeat(ctx context.Context, req models.HeartbeatRequest) (*models.HeartbeatResponse, error)
	NextJob(ctx context.Context) (*models.NextJobResponse, error)
	AckJob(ctx context.Context, jobID string) error
	PostProgress(ctx context.Context, jobID string, req models.ProgressRequest) error
	PostResult(ctx context.Context, jobID string, req models.ResultRequest) error
	GetCommands(ctx context.Context, runID string) (*models.RunCommands, error)
	ClearCommand(ctx context.Context, runID string, kind models.CommandKind) error
}

// HostInfoProvider describes the machine for heartbeats.
type HostInfoProvider interface {
	HostInfo(ctx context.Context) *models.HostInfo
}

// TickRecorder observes completed ticks.
type TickRecorder interface {
	RecordTick(result string, seconds float64)
}

// SyncOptions are the static values announced in heartbeats.
type SyncOptions struct {
	AgentVersion string
	LocalUIPort  int
	Capabilities []string
}

// SyncStatus is a point-in-time view of the poll loop.
type SyncStatus struct {
	Running       bool            `json:"running"`
	InTick        bool            `json:"in_tick"`
	Stage         PollStage       `json:"stage"`
	AcceptingJobs bool            `json:"accepting_jobs"`
	ActiveRunID   string          `json:"active_run_id,omitempty"`
	LastTickAt    *time.Time      `json:"last_tick_at,omitempty"`
	NextTickAt    *time.Time      `json:"next_tick_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Drain         shutdown.Status `json:"drain"`
}

// SyncAgent polls the registry: it heartbeats, claims and processes at most
// one job per tick, and applies the commands queued for local runs.
type SyncAgent struct {
	registry Registry
	reporter Reporter
	pipeline *Pipeline
	store    Store
	secrets  vault.SecretVault
	host     HostInfoProvider
	opts     SyncOptions
	drain    *shutdown.Manager
	recorder TickRecorder
	logger   zerolog.Logger

	mu          sync.RWMutex
	running     bool
	inTick      bool
	stage       PollStage
	activeRunID string
	lastTickAt  *time.Time
	nextTickAt  *time.Time
	lastError   string
}

// NewSyncAgent creates a poll loop. host may be nil.
func NewSyncAgent(registry Registry, pipeline *Pipeline, store Store, secrets vault.SecretVault, host HostInfoProvider, opts SyncOptions, logger zerolog.Logger) *SyncAgent {
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = models.DefaultCapabilities()
	}
	return &SyncAgent{
		registry: registry,
		reporter: NewRegistryReporter(registry),
		pipeline: pipeline,
		store:    store,
		secrets:  secrets,
		host:     host,
		opts:     opts,
		drain:    shutdown.NewManager(logger),
		stage:    PollStageIdle,
		logger:   logger.With().Str("component", "sync_agent").Logger(),
	}
}

// SetRecorder sets the tick metrics recorder.
func (a *SyncAgent) SetRecorder(r TickRecorder) {
	a.recorder = r
}

// Resume accepts work again after a drain.
func (a *SyncAgent) Resume() {
	a.drain.Reset()
}

// Run polls until ctx is done or a drain has started.
func (a *SyncAgent) Run(ctx context.Context) {
	a.setRunning(true)
	defer a.setRunning(false)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !a.drain.Begin() {
			return
		}
		delay, _ := a.Tick(ctx)
		a.drain.End()

		next := time.Now().Add(delay)
		a.mu.Lock()
		a.nextTickAt = &next
		a.mu.Unlock()
		timer.Reset(delay)
	}
}

// Drain stops claiming jobs and starting ticks, then waits up to timeout for
// the running tick to finish.
func (a *SyncAgent) Drain(ctx context.Context, timeout time.Duration) shutdown.Result {
	return a.drain.Shutdown(ctx, timeout)
}

// Status returns the current poll loop state.
func (a *SyncAgent) Status() SyncStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return SyncStatus{
		Running:       a.running,
		InTick:        a.inTick,
		Stage:         a.stage,
		AcceptingJobs: a.drain.IsAccepting(),
		ActiveRunID:   a.activeRunID,
		LastTickAt:    a.lastTickAt,
		NextTickAt:    a.nextTickAt,
		LastError:     a.lastError,
		Drain:         a.drain.GetStatus(),
	}
}

// Tick runs one poll cycle and returns the delay before the next one.
func (a *SyncAgent) Tick(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	a.mu.Lock()
	a.inTick = true
	a.mu.Unlock()

	delay, result, err := a.tick(ctx)

	now := time.Now().UTC()
	a.mu.Lock()
	a.inTick = false
	a.stage = PollStageIdle
	a.lastTickAt = &now
	if err != nil {
		a.lastError = err.Error()
	} else {
		a.lastError = ""
	}
	a.mu.Unlock()

	if a.recorder != nil {
		a.recorder.RecordTick(result, time.Since(start).Seconds())
	}
	if err != nil {
		a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("tick failed")
	}
	return delay, err
}

func (a *SyncAgent) tick(ctx context.Context) (time.Duration, string, error) {
	deviceID := vault.Lookup(a.secrets, vault.KeyDeviceID)
	if deviceID == "" || vault.Lookup(a.secrets, vault.KeyDeviceToken) == "" {
		return RetryDelay, TickResultUnpaired, nil
	}

	a.setStage(PollStageHeartbeat)
	req := models.HeartbeatRequest{
		DeviceID:     deviceID,
		AgentVersion: a.opts.AgentVersion,
		Capabilities: a.opts.Capabilities,
		LocalUIPort:  a.opts.LocalUIPort,
	}
	if a.host != nil {
		req.Host = a.host.HostInfo(ctx)
	}
	hb, err := a.registry.Heartbeat(ctx, req)
	if err != nil {
		return RetryDelay, TickResultError, err
	}

	if a.drain.IsAccepting() {
		a.setStage(PollStageJobs)
		if err := a.processNextJob(ctx); err != nil {
			return RetryDelay, TickResultError, err
		}
	}

	a.setStage(PollStageCommands)
	if err := a.pipeline.Resync(ctx, deviceID, a.reporter); err != nil {
		return RetryDelay, TickResultError, err
	}
	if err := a.processCommands(ctx, deviceID); err != nil {
		return RetryDelay, TickResultError, err
	}

	return pollDelay(hb.PollAfterMs), TickResultOK, nil
}

// processNextJob claims, acknowledges and processes at most one job.
func (a *SyncAgent) processNextJob(ctx context.Context) error {
	next, err := a.registry.NextJob(ctx)
	if err != nil {
		return err
	}
	if next.Job == nil {
		return nil
	}
	if err := a.registry.AckJob(ctx, next.Job.ID); err != nil {
		return err
	}

	a.setActiveRun(next.RunID)
	defer a.setActiveRun("")

	a.logger.Info().Str("job_id", next.Job.ID).Str("run_id", next.RunID).
		Str("trigger", string(next.Job.Trigger)).Msg("job claimed")
	_, err = a.pipeline.Process(ctx, next.Job, next.RunID, a.reporter)
	return err
}

// processCommands applies pending mailboxes for every local run that can
// still receive commands. A failing run does not stop the others.
func (a *SyncAgent) processCommands(ctx context.Context, deviceID string) error {
	runs, err := a.store.ListRunsForDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	var first error
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.processRun(ctx, run); err != nil {
			a.logger.Warn().Err(err).Str("run_id", run.Summary.RunID).Msg("command processing failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (a *SyncAgent) processRun(ctx context.Context, run runstore.RunRecord) error {
	runID := run.Summary.RunID
	cmds, err := a.registry.GetCommands(ctx, runID)
	if err != nil {
		if models.IsCode(err, models.CodeNotFound) || models.IsCode(err, models.CodeForbidden) {
			return nil
		}
		return err
	}

	if cmds.RunStatus == models.RunStatusCanceled {
		_, err := a.pipeline.Cancel(ctx, runID)
		return err
	}
	if cmds.Empty() {
		return nil
	}

	var errs []error
	if cmds.Approvals != nil {
		decisions := cmds.Approvals.Decisions
		errs = append(errs, a.consume(ctx, runID, models.CommandApprovals, cmds.Approvals.RequestedAt, func(snap *models.RunSnapshot) (bool, error) {
			if snap.Summary.Status != models.RunStatusAwaitingApproval {
				return false, nil
			}
			_, err := a.pipeline.ApplyApprovals(ctx, runID, decisions, a.reporter)
			return true, err
		}))
	}

	if cmds.Execute != nil {
		errs = append(errs, a.consume(ctx, runID, models.CommandExecute, cmds.Execute.RequestedAt, func(snap *models.RunSnapshot) (bool, error) {
			if snap.Summary.Status != models.RunStatusReadyToExecute {
				return false, nil
			}
			_, _, err := a.pipeline.Execute(ctx, runID, a.reporter)
			return true, err
		}))
	}

	if cmds.Rollback != nil {
		errs = append(errs, a.consume(ctx, runID, models.CommandRollback, cmds.Rollback.RequestedAt, func(snap *models.RunSnapshot) (bool, error) {
			if snap.Summary.ActionsExecuted == 0 {
				a.logger.Info().Str("run_id", runID).Msg("rollback requested with nothing executed, ignoring")
				return true, nil
			}
			_, _, err := a.pipeline.RollbackRun(ctx, runID, a.reporter)
			return true, err
		}))
	}
	return errors.Join(errs...)
}

// consume runs act for a mailbox command at most once. act reports false
// when the run is not in a state to take the command, which leaves it
// pending. Once act has run, the command's timestamp is recorded locally
// and the mailbox is cleared, so a failed clear never repeats the action.
func (a *SyncAgent) consume(ctx context.Context, runID string, kind models.CommandKind, requestedAt time.Time, act func(*models.RunSnapshot) (bool, error)) error {
	key := consumedPrefix + runID + ":" + string(kind)
	stamp := requestedAt.UTC().Format(time.RFC3339Nano)

	prev, err := a.store.GetMetadata(ctx, key)
	if err != nil {
		return err
	}
	if prev == stamp {
		return a.registry.ClearCommand(ctx, runID, kind)
	}

	snap, err := a.pipeline.Snapshot(ctx, runID)
	if err != nil {
		return err
	}
	acted, actErr := act(snap)
	if !acted && actErr == nil {
		return nil
	}

	if err := a.store.SetMetadata(ctx, key, stamp); err != nil {
		return err
	}
	clearErr := a.registry.ClearCommand(ctx, runID, kind)

	log := a.logger.With().Str("run_id", runID).Str("command", string(kind)).Logger()
	switch {
	case actErr == nil:
		log.Info().Msg("command applied")
	case models.IsCode(actErr, models.CodeDryRunExecutionBlocked):
		log.Warn().Msg("execution blocked for dry-run run")
		actErr = nil
	case IsSyncError(actErr):
	default:
		// Run-level failure, already recorded on the run.
		log.Warn().Err(actErr).Msg("command failed")
		actErr = nil
	}
	return errors.Join(actErr, clearErr)
}

func (a *SyncAgent) setRunning(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = v
	if !v {
		a.nextTickAt = nil
	}
}

func (a *SyncAgent) setStage(s PollStage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stage = s
}

func (a *SyncAgent) setActiveRun(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeRunID = runID
}

// pollDelay applies the registry's suggestion with a floor.
func pollDelay(ms int) time.Duration {
	d := DefaultPollAfter
	if ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}
	return max(MinPollAfter, d)
}

// registryReporter pushes pipeline milestones through the device endpoints.
type registryReporter struct {
	registry Registry
}

// NewRegistryReporter adapts a Registry to a Reporter.
func NewRegistryReporter(registry Registry) Reporter {
	return registryReporter{registry: registry}
}

func (r registryReporter) Progress(ctx context.Context, jobID string, ev *models.ProgressEvent) error {
	return r.registry.PostProgress(ctx, jobID, models.ProgressRequest{
		RunID:   ev.RunID,
		Status:  ev.Status,
		Stage:   ev.Stage,
		Message: ev.Message,
		Counts:  ev.Counts,
	})
}

func (r registryReporter) Result(ctx context.Context, jobID string, snap *models.RunSnapshot) error {
	return r.registry.PostResult(ctx, jobID, models.ResultRequest{
		RunID:    snap.Summary.RunID,
		Snapshot: *snap,
	})
}
