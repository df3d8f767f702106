package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/rs/zerolog"
)

// Publisher receives every accepted progress event.
type Publisher interface {
	Publish(ev models.ProgressEvent)
}

// Recorder observes registry activity for metrics.
type Recorder interface {
	PairingCompleted()
	HeartbeatReceived()
	JobEnqueued(trigger models.TriggerKind)
	JobClaimed()
	RunStatusChanged(status models.RunStatus)
	CommandQueued(kind models.CommandKind)
}

// Options tune the registry service.
type Options struct {
	PollAfter          time.Duration
	PairingTTL         time.Duration
	AutoApprovePairing bool
}

// staleAfterPolls is how many missed polls turn a device offline.
const staleAfterPolls = 10

// DefaultOptions are used for zero Options fields.
var DefaultOptions = Options{
	PollAfter:          3 * time.Second,
	PairingTTL:         models.DefaultPairingTTL,
	AutoApprovePairing: true,
}

// Service is the ControlPlaneRegistry. Read-modify-write sequences on runs
// and pairing sessions are serialized by a single lock, so mailbox writes
// are atomic replaces.
type Service struct {
	mu        sync.Mutex
	repo      Repository
	opts      Options
	publisher Publisher
	recorder  Recorder
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a Service over repo.
func NewService(repo Repository, opts Options, logger zerolog.Logger) *Service {
	if opts.PollAfter <= 0 {
		opts.PollAfter = DefaultOptions.PollAfter
	}
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = DefaultOptions.PairingTTL
	}
	return &Service{
		repo:   repo,
		opts:   opts,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sets the progress event publisher.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetRecorder sets the metrics recorder.
func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

// StartPairing opens a pairing session with a one-time code.
func (s *Service) StartPairing(ctx context.Context, req models.StartPairingRequest) (*models.StartPairingResponse, error) {
	code, err := generatePairingCode()
	if err != nil {
		return nil, err
	}
	session := models.NewPairingSession(code, strings.TrimSpace(req.Label), s.opts.PairingTTL, s.opts.AutoApprovePairing)
	if err := s.repo.CreatePairingSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create pairing session: %w", err)
	}

	s.logger.Info().Str("pairing_session_id", session.ID).Time("expires_at", session.ExpiresAt).Msg("pairing session started")
	return &models.StartPairingResponse{
		PairingSessionID: session.ID,
		PairingCode:      session.Code,
		ExpiresAt:        session.ExpiresAt,
	}, nil
}

// CompletePairing redeems a pairing session exactly once and issues a device
// token. Only the token's hash is stored.
func (s *Service) CompletePairing(ctx context.Context, req models.CompletePairingRequest) (*models.CompletePairingResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.repo.GetPairingSession(ctx, req.PairingSessionID)
	if err != nil {
		return nil, repoErr(err)
	}
	code := strings.ToUpper(strings.TrimSpace(req.PairingCode))
	if subtle.ConstantTimeCompare([]byte(code), []byte(session.Code)) != 1 {
		return nil, models.NewCodedError(models.CodeUnauthorized, "invalid pairing code")
	}
	switch {
	case session.IsUsed():
		return nil, models.NewCodedError(models.CodeForbidden, "pairing session already completed")
	case session.IsExpired():
		return nil, models.NewCodedError(models.CodeForbidden, "pairing session expired")
	case !session.Approved:
		return nil, models.NewCodedError(models.CodeForbidden, "pairing session not approved")
	}

	token, err := GenerateDeviceToken()
	if err != nil {
		return nil, err
	}
	label := req.DeviceLabel
	if label == "" {
		label = session.Label
	}
	device := models.NewDevice(label, req.OS, HashToken(token))
	device.Host = req.Host
	if err := s.repo.CreateDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}

	session.MarkUsed(device.ID)
	if err := s.repo.UpdatePairingSession(ctx, session); err != nil {
		return nil, fmt.Errorf("update pairing session: %w", err)
	}
	if s.recorder != nil {
		s.recorder.PairingCompleted()
	}

	s.logger.Info().Str("device_id", device.ID).Str("label", device.Label).Msg("device paired")
	return &models.CompletePairingResponse{
		DeviceID:    device.ID,
		DeviceToken: token,
		PairedAt:    device.PairedAt,
	}, nil
}

// AuthenticateDevice resolves a bearer token to its device.
func (s *Service) AuthenticateDevice(ctx context.Context, token string) (*models.Device, error) {
	if !IsValidTokenFormat(token) {
		return nil, models.NewCodedError(models.CodeUnauthorized, "invalid device token")
	}
	device, err := s.repo.GetDeviceByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, models.NewCodedError(models.CodeUnauthorized, "invalid device token")
		}
		return nil, fmt.Errorf("lookup device token: %w", err)
	}
	return device, nil
}

// Heartbeat marks the device online and suggests the next poll interval.
func (s *Service) Heartbeat(ctx context.Context, device *models.Device, req models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	if req.DeviceID != "" && req.DeviceID != device.ID {
		return nil, models.NewCodedError(models.CodeForbidden, "device id does not match token")
	}

	now := s.now()
	device.RecordHeartbeat(req, now)
	if err := s.repo.UpdateDevice(ctx, device); err != nil {
		return nil, repoErr(err)
	}
	if s.recorder != nil {
		s.recorder.HeartbeatReceived()
	}

	return &models.HeartbeatResponse{
		OK:          true,
		ServerTime:  now,
		PollAfterMs: int(s.opts.PollAfter / time.Millisecond),
		Device:      device,
	}, nil
}

// ListDevices returns every paired device ordered by label.
func (s *Service) ListDevices(ctx context.Context) ([]models.Device, error) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return strings.ToLower(devices[i].Label) < strings.ToLower(devices[j].Label)
	})
	for i := range devices {
		s.markPresence(&devices[i])
	}
	return devices, nil
}

// GetDevice returns one device.
func (s *Service) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	device, err := s.repo.GetDevice(ctx, id)
	if err != nil {
		return nil, repoErr(err)
	}
	s.markPresence(device)
	return device, nil
}

// markPresence reports a device offline once it missed staleAfterPolls
// poll intervals, floored at a minute.
func (s *Service) markPresence(d *models.Device) {
	window := max(staleAfterPolls*s.opts.PollAfter, time.Minute)
	if d.IsStale(s.now(), window) {
		d.Status = models.DeviceStatusOffline
	}
}

// EnqueueJob queues a cleanup job for a paired device and creates its run.
func (s *Service) EnqueueJob(ctx context.Context, req models.EnqueueJobRequest) (*models.EnqueueJobResponse, error) {
	if req.Trigger != "" && !req.Trigger.IsValid() {
		return nil, models.NewCodedError(models.CodeInvalidRequest, fmt.Sprintf("unknown trigger %q", req.Trigger))
	}
	for _, a := range req.Mode.AllowedActions {
		if !a.IsValid() {
			return nil, models.NewCodedError(models.CodeInvalidRequest, fmt.Sprintf("unknown action %q", a))
		}
	}
	if _, err := s.repo.GetDevice(ctx, req.DeviceID); err != nil {
		return nil, repoErr(err)
	}

	job := models.NewCleanupJob(req.DeviceID, req.Trigger, req.Scope, req.Mode, req.RequestedBy)
	run := models.NewRunSummary(models.NewID(models.PrefixRun), job)
	if err := s.repo.CreateJob(ctx, job, &run); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if s.recorder != nil {
		s.recorder.JobEnqueued(job.Trigger)
	}

	s.logger.Info().Str("job_id", job.ID).Str("run_id", run.RunID).Str("device_id", job.DeviceID).
		Str("trigger", string(job.Trigger)).Bool("dry_run", job.Mode.DryRun).Msg("job enqueued")
	return &models.EnqueueJobResponse{Job: job, RunID: run.RunID, Status: run.Status}, nil
}

// GetJob returns a job with its run id and current status.
func (s *Service) GetJob(ctx context.Context, id string) (*models.EnqueueJobResponse, error) {
	job, runID, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, repoErr(err)
	}
	return &models.EnqueueJobResponse{Job: job, RunID: runID, Status: job.Status}, nil
}

// ClaimNextJob hands the device its oldest queued job. A job is handed out
// at most once; a retry after a lost response gets no job.
func (s *Service) ClaimNextJob(ctx context.Context, device *models.Device) (*models.NextJobResponse, error) {
	job, runID, err := s.repo.ClaimNextJob(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return &models.NextJobResponse{}, nil
	}
	if s.recorder != nil {
		s.recorder.JobClaimed()
		s.recorder.RunStatusChanged(models.RunStatusClaimed)
	}
	s.logger.Info().Str("job_id", job.ID).Str("run_id", runID).Str("device_id", device.ID).Msg("job claimed")
	return &models.NextJobResponse{Job: job, RunID: runID}, nil
}

// AckJob moves a claimed job's run to running.
func (s *Service) AckJob(ctx context.Context, device *models.Device, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.deviceRunForJob(ctx, device, jobID, "")
	if err != nil {
		return err
	}
	return s.transition(ctx, snap, models.RunStatusRunning)
}

// ReportProgress records a progress event and moves the run to its status.
func (s *Service) ReportProgress(ctx context.Context, device *models.Device, jobID string, req models.ProgressRequest) error {
	if !req.Status.IsValid() {
		return models.NewCodedError(models.CodeInvalidRequest, fmt.Sprintf("unknown status %q", req.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.deviceRunForJob(ctx, device, jobID, req.RunID)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, snap, req.Status); err != nil {
		return err
	}

	ev := models.NewProgressEvent(req.RunID, req.Status, req.Stage, req.Message, req.Counts)
	ev.DeviceID = device.ID
	ev.CreatedAt = s.now()
	if err := s.repo.AppendProgress(ctx, ev); err != nil {
		return repoErr(err)
	}
	if s.publisher != nil {
		s.publisher.Publish(*ev)
	}
	return nil
}

// PutResult replaces the registry's snapshot of a run with the agent's.
func (s *Service) PutResult(ctx context.Context, device *models.Device, jobID string, req models.ResultRequest) error {
	next := req.Snapshot
	if next.Summary.RunID != "" && next.Summary.RunID != req.RunID {
		return models.NewCodedError(models.CodeInvalidRequest, "snapshot run id does not match")
	}
	if !next.Summary.Status.IsValid() {
		return models.NewCodedError(models.CodeInvalidRequest, fmt.Sprintf("unknown status %q", next.Summary.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.deviceRunForJob(ctx, device, jobID, req.RunID)
	if err != nil {
		return err
	}
	if !current.Summary.Status.CanTransition(next.Summary.Status) {
		return invalidTransition(current.Summary.Status, next.Summary.Status)
	}

	// Identity fields belong to the registry.
	next.Summary.RunID = current.Summary.RunID
	next.Summary.JobID = current.Summary.JobID
	next.Summary.DeviceID = current.Summary.DeviceID
	next.Summary.DryRun = current.Summary.DryRun
	next.Summary.UpdatedAt = s.now()
	if next.Proposals == nil {
		next.Proposals = []models.Proposal{}
	}
	if err := s.repo.SaveRun(ctx, &next); err != nil {
		return repoErr(err)
	}
	if s.recorder != nil && current.Summary.Status != next.Summary.Status {
		s.recorder.RunStatusChanged(next.Summary.Status)
	}

	s.logger.Info().Str("run_id", req.RunID).Str("status", string(next.Summary.Status)).
		Int("proposals", len(next.Proposals)).Msg("run result stored")
	return nil
}

// GetRun returns a run snapshot with its progress log.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.RunDetailResponse, error) {
	snap, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, repoErr(err)
	}
	progress, err := s.repo.ListProgress(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return &models.RunDetailResponse{Snapshot: snap, Progress: progress}, nil
}

// GetSnapshot returns a run snapshot.
func (s *Service) GetSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	snap, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, repoErr(err)
	}
	return snap, nil
}

// ListRuns returns run summaries, newest first.
func (s *Service) ListRuns(ctx context.Context, filter RunFilter) ([]models.RunSummary, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, models.NewCodedError(models.CodeInvalidRequest, fmt.Sprintf("unknown status %q", filter.Status))
	}
	runs, err := s.repo.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListProgress returns a run's progress log.
func (s *Service) ListProgress(ctx context.Context, runID string) ([]models.ProgressEvent, error) {
	if _, err := s.repo.GetRun(ctx, runID); err != nil {
		return nil, repoErr(err)
	}
	return s.repo.ListProgress(ctx, runID)
}

// SetApprovals fills the approval mailbox, replacing any unconsumed command,
// and applies the decisions to the registry's snapshot.
func (s *Service) SetApprovals(ctx context.Context, runID string, req models.ApprovalsRequest) (*models.RunSummary, error) {
	if len(req.Decisions) == 0 {
		return nil, models.NewCodedError(models.CodeInvalidRequest, "at least one decision is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, repoErr(err)
	}

	index := make(map[string]int, len(snap.Proposals))
	for i, p := range snap.Proposals {
		index[p.ID] = i
	}
	for _, d := range req.Decisions {
		if d.Decision != models.DecisionApprove && d.Decision != models.DecisionReject {
			return nil, models.NewCodedError(models.CodeInvalidRequest, fmt.Sprintf("unknown decision %q", d.Decision))
		}
		if _, ok := index[d.ProposalID]; !ok && len(snap.Proposals) > 0 {
			return nil, models.NewCodedError(models.CodeInvalidRequest, fmt.Sprintf("unknown proposal %q", d.ProposalID))
		}
	}

	cmd := &models.ApprovalCommand{Decisions: req.Decisions, RequestedBy: req.RequestedBy, RequestedAt: s.now()}
	if err := s.repo.SetApprovalCommand(ctx, runID, cmd); err != nil {
		return nil, repoErr(err)
	}
	if s.recorder != nil {
		s.recorder.CommandQueued(models.CommandApprovals)
	}

	now := s.now()
	snap.ApplyDecisions(req.Decisions, now)
	if snap.Summary.Status.CanTransition(models.RunStatusReadyToExecute) {
		snap.Summary.Status = models.RunStatusReadyToExecute
	}
	snap.Summary.UpdatedAt = now
	if err := s.repo.SaveRun(ctx, snap); err != nil {
		return nil, repoErr(err)
	}

	s.logger.Info().Str("run_id", runID).Int("decisions", len(req.Decisions)).Msg("approvals queued")
	return &snap.Summary, nil
}

// RequestExecute fills the execute mailbox.
func (s *Service) RequestExecute(ctx context.Context, runID string, req models.CommandRequest) (*models.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, repoErr(err)
	}
	if snap.Summary.DryRun {
		return nil, models.NewCodedError(models.CodeDryRunExecutionBlocked, "run is dry-run, execution is blocked")
	}

	cmd := &models.ExecuteCommand{RequestedBy: req.RequestedBy, RequestedAt: s.now()}
	if err := s.repo.SetExecuteCommand(ctx, runID, cmd); err != nil {
		return nil, repoErr(err)
	}
	if s.recorder != nil {
		s.recorder.CommandQueued(models.CommandExecute)
	}
	if snap.Summary.Status != models.RunStatusReadyToExecute && snap.Summary.Status.CanTransition(models.RunStatusReadyToExecute) {
		snap.Summary.Status = models.RunStatusReadyToExecute
		snap.Summary.UpdatedAt = s.now()
		if err := s.repo.SaveRun(ctx, snap); err != nil {
			return nil, repoErr(err)
		}
	}

	s.logger.Info().Str("run_id", runID).Msg("execute queued")
	return &snap.Summary, nil
}

// RequestRollback fills the rollback mailbox.
func (s *Service) RequestRollback(ctx context.Context, runID string, req models.CommandRequest) (*models.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, repoErr(err)
	}
	cmd := &models.RollbackCommand{RequestedBy: req.RequestedBy, RequestedAt: s.now()}
	if err := s.repo.SetRollbackCommand(ctx, runID, cmd); err != nil {
		return nil, repoErr(err)
	}
	if s.recorder != nil {
		s.recorder.CommandQueued(models.CommandRollback)
	}

	s.logger.Info().Str("run_id", runID).Msg("rollback queued")
	return &snap.Summary, nil
}

// CancelRun cancels a run that has not started executing.
func (s *Service) CancelRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, repoErr(err)
	}
	if !snap.Summary.Status.IsCancelable() {
		return nil, invalidTransition(snap.Summary.Status, models.RunStatusCanceled)
	}
	if err := s.transition(ctx, snap, models.RunStatusCanceled); err != nil {
		return nil, err
	}

	ev := models.NewProgressEvent(runID, models.RunStatusCanceled, models.StageCanceled, "run canceled", nil)
	ev.DeviceID = snap.Summary.DeviceID
	if err := s.repo.AppendProgress(ctx, ev); err != nil {
		return nil, repoErr(err)
	}
	if s.publisher != nil {
		s.publisher.Publish(*ev)
	}

	s.logger.Info().Str("run_id", runID).Msg("run canceled")
	return &snap.Summary, nil
}

// GetCommands returns the pending mailboxes of a run owned by device.
func (s *Service) GetCommands(ctx context.Context, device *models.Device, runID string) (*models.RunCommands, error) {
	if _, err := s.deviceRun(ctx, device, runID); err != nil {
		return nil, err
	}
	cmds, err := s.repo.GetCommands(ctx, runID)
	if err != nil {
		return nil, repoErr(err)
	}
	return cmds, nil
}

// ClearCommand empties one mailbox of a run owned by device.
func (s *Service) ClearCommand(ctx context.Context, device *models.Device, runID string, kind models.CommandKind) error {
	if !kind.IsValid() {
		return models.NewCodedError(models.CodeInvalidRequest, fmt.Sprintf("unknown command kind %q", kind))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deviceRun(ctx, device, runID); err != nil {
		return err
	}
	if err := s.repo.ClearCommand(ctx, runID, kind); err != nil {
		return repoErr(err)
	}
	return nil
}

// deviceRun loads a run and checks that device owns it.
func (s *Service) deviceRun(ctx context.Context, device *models.Device, runID string) (*models.RunSnapshot, error) {
	snap, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, repoErr(err)
	}
	if snap.Summary.DeviceID != device.ID {
		return nil, models.NewCodedError(models.CodeForbidden, "run does not belong to this device")
	}
	return snap, nil
}

// deviceRunForJob loads the run of a job owned by device. A non-empty runID
// must name that run.
func (s *Service) deviceRunForJob(ctx context.Context, device *models.Device, jobID, runID string) (*models.RunSnapshot, error) {
	job, jobRunID, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, repoErr(err)
	}
	if job.DeviceID != device.ID {
		return nil, models.NewCodedError(models.CodeForbidden, "job does not belong to this device")
	}
	if runID != "" && runID != jobRunID {
		return nil, models.NewCodedError(models.CodeNotFound, "run not found for job")
	}
	snap, err := s.repo.GetRun(ctx, jobRunID)
	if err != nil {
		return nil, repoErr(err)
	}
	return snap, nil
}

// transition moves snap to next and saves it, rejecting moves the run
// status table does not allow.
func (s *Service) transition(ctx context.Context, snap *models.RunSnapshot, next models.RunStatus) error {
	current := snap.Summary.Status
	if !current.CanTransition(next) {
		return invalidTransition(current, next)
	}
	if current == next {
		return nil
	}

	now := s.now()
	snap.Summary.Status = next
	snap.Summary.UpdatedAt = now
	if next.IsTerminal() || next == models.RunStatusCompleted {
		snap.Summary.FinishedAt = &now
	}
	if err := s.repo.SaveRun(ctx, snap); err != nil {
		return repoErr(err)
	}
	if s.recorder != nil {
		s.recorder.RunStatusChanged(next)
	}
	return nil
}

func invalidTransition(from, to models.RunStatus) error {
	return models.NewCodedError(models.CodeInvalidTransition, fmt.Sprintf("run cannot move from %s to %s", from, to))
}

// repoErr maps repository lookups that found nothing to not_found.
func repoErr(err error) error {
	switch {
	case errors.Is(err, ErrPairingNotFound), errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrJobNotFound), errors.Is(err, ErrRunNotFound):
		return models.WrapCoded(models.CodeNotFound, err)
	}
	return err
}
