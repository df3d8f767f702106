package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Enqueuer queues jobs in the registry. *Client implements it.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, req models.EnqueueJobRequest) (*models.EnqueueJobResponse, error)
}

// SettingsSource provides the agent's current settings.
type SettingsSource interface {
	GetSettings(ctx context.Context) (models.Settings, error)
}

// ScheduledRequester identifies scheduled jobs in the registry.
const ScheduledRequester = "scheduler"

// Scheduler enqueues a scheduled cleanup job for this device on a cron
// schedule. The job flows through the registry like any other job.
type Scheduler struct {
	spec     string
	enqueuer Enqueuer
	settings SettingsSource
	secrets  vault.SecretVault
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for a standard five-field cron spec.
func NewScheduler(spec string, enqueuer Enqueuer, settings SettingsSource, secrets vault.SecretVault, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		spec:     spec,
		enqueuer: enqueuer,
		settings: settings,
		secrets:  secrets,
		cron:     cron.New(),
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the schedule and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}
	if s.spec == "" {
		return errors.New("no schedule configured")
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.spec, s.runScheduled); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().Str("schedule", s.spec).Msg("cleanup scheduler started")
	return nil
}

// Stop stops the cron runner. The returned context is done once a running
// enqueue has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping cleanup scheduler")
	return s.cron.Stop()
}

func (s *Scheduler) runScheduled() {
	if _, err := s.RunNow(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("scheduled enqueue failed")
	}
}

// RunNow enqueues a scheduled job immediately.
func (s *Scheduler) RunNow(ctx context.Context) (*models.EnqueueJobResponse, error) {
	deviceID := vault.Lookup(s.secrets, vault.KeyDeviceID)
	if deviceID == "" {
		return nil, models.NewCodedError(models.CodeMissingDeviceID, "device is not paired")
	}

	dryRun := true
	if set, err := s.settings.GetSettings(ctx); err == nil {
		dryRun = set.DryRunDefault
	} else {
		s.logger.Warn().Err(err).Msg("settings unavailable, scheduling a dry run")
	}

	resp, err := s.enqueuer.EnqueueJob(ctx, models.EnqueueJobRequest{
		DeviceID:    deviceID,
		Trigger:     models.TriggerScheduled,
		Scope:       models.JobScope{MaxFiles: models.DefaultMaxFiles},
		Mode:        models.JobMode{DryRun: dryRun, AllowedActions: models.DefaultAllowedActions()},
		RequestedBy: ScheduledRequester,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("run_id", resp.RunID).Bool("dry_run", dryRun).Msg("scheduled cleanup enqueued")
	return resp, nil
}
