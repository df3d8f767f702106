// Package registry implements the control plane: device pairing, the
// per-device job queue, the run registry and the per-run command mailboxes.
package registry

import (
	"context"
	"errors"

	"github.com/MacJediWizard/tidyup/internal/models"
)

// Errors
var (
	ErrPairingNotFound = errors.New("pairing session not found")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrRunNotFound     = errors.New("run not found")
)

// DefaultListLimit bounds ListRuns when no limit is given.
const DefaultListLimit = 50

// RunFilter narrows ListRuns.
type RunFilter struct {
	DeviceID string
	Status   models.RunStatus
	Limit    int
}

// Repository is the persistence contract of the registry. Implementations
// must make every method atomic on its own; ClaimNextJob in particular must
// never hand the same job out twice.
type Repository interface {
	CreatePairingSession(ctx context.Context, s *models.PairingSession) error
	GetPairingSession(ctx context.Context, id string) (*models.PairingSession, error)
	UpdatePairingSession(ctx context.Context, s *models.PairingSession) error

	CreateDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	GetDeviceByTokenHash(ctx context.Context, hash string) (*models.Device, error)
	UpdateDevice(ctx context.Context, d *models.Device) error
	ListDevices(ctx context.Context) ([]models.Device, error)

	// CreateJob stores a queued job together with its run.
	CreateJob(ctx context.Context, job *models.CleanupJob, run *models.RunSummary) error
	// GetJob returns a job and the id of its run.
	GetJob(ctx context.Context, id string) (*models.CleanupJob, string, error)
	// ClaimNextJob marks the oldest queued job of a device claimed and
	// returns it with its run id. It returns a nil job when none is queued.
	ClaimNextJob(ctx context.Context, deviceID string) (*models.CleanupJob, string, error)

	GetRun(ctx context.Context, runID string) (*models.RunSnapshot, error)
	// SaveRun replaces a run's snapshot and mirrors its status onto the job.
	SaveRun(ctx context.Context, snap *models.RunSnapshot) error
	ListRuns(ctx context.Context, filter RunFilter) ([]models.RunSummary, error)

	AppendProgress(ctx context.Context, ev *models.ProgressEvent) error
	ListProgress(ctx context.Context, runID string) ([]models.ProgressEvent, error)

	GetCommands(ctx context.Context, runID string) (*models.RunCommands, error)
	SetApprovalCommand(ctx context.Context, runID string, cmd *models.ApprovalCommand) error
	SetExecuteCommand(ctx context.Context, runID string, cmd *models.ExecuteCommand) error
	SetRollbackCommand(ctx context.Context, runID string, cmd *models.RollbackCommand) error
	ClearCommand(ctx context.Context, runID string, kind models.CommandKind) error
}
