package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/MacJediWizard/tidyup/internal/models"
)

type memoryJob struct {
	job   models.CleanupJob
	runID string
}

// MemoryRepository keeps the registry in process memory behind a single
// mutex. Values are copied in and out so callers never share state with it.
type MemoryRepository struct {
	mu        sync.Mutex
	pairings  map[string]models.PairingSession
	devices   map[string]models.Device
	tokens    map[string]string // token hash -> device id
	jobs      map[string]*memoryJob
	queues    map[string][]string // device id -> job ids in enqueue order
	runs      map[string]models.RunSnapshot
	progress  map[string][]models.ProgressEvent
	approvals map[string]models.ApprovalCommand
	executes  map[string]models.ExecuteCommand
	rollbacks map[string]models.RollbackCommand
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		pairings:  make(map[string]models.PairingSession),
		devices:   make(map[string]models.Device),
		tokens:    make(map[string]string),
		jobs:      make(map[string]*memoryJob),
		queues:    make(map[string][]string),
		runs:      make(map[string]models.RunSnapshot),
		progress:  make(map[string][]models.ProgressEvent),
		approvals: make(map[string]models.ApprovalCommand),
		executes:  make(map[string]models.ExecuteCommand),
		rollbacks: make(map[string]models.RollbackCommand),
	}
}

func (m *MemoryRepository) CreatePairingSession(_ context.Context, s *models.PairingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings[s.ID] = *s
	return nil
}

func (m *MemoryRepository) GetPairingSession(_ context.Context, id string) (*models.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pairings[id]
	if !ok {
		return nil, ErrPairingNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) UpdatePairingSession(_ context.Context, s *models.PairingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairings[s.ID]; !ok {
		return ErrPairingNotFound
	}
	m.pairings[s.ID] = *s
	return nil
}

func (m *MemoryRepository) CreateDevice(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = cloneDevice(*d)
	m.tokens[d.TokenHash] = d.ID
	return nil
}

func (m *MemoryRepository) GetDevice(_ context.Context, id string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	d = cloneDevice(d)
	return &d, nil
}

func (m *MemoryRepository) GetDeviceByTokenHash(_ context.Context, hash string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[hash]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	d := cloneDevice(m.devices[id])
	return &d, nil
}

func (m *MemoryRepository) UpdateDevice(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; !ok {
		return ErrDeviceNotFound
	}
	m.devices[d.ID] = cloneDevice(*d)
	return nil
}

func (m *MemoryRepository) ListDevices(_ context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, cloneDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairedAt.Before(out[j].PairedAt) })
	return out, nil
}

func (m *MemoryRepository) CreateJob(_ context.Context, job *models.CleanupJob, run *models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = &memoryJob{job: cloneJob(*job), runID: run.RunID}
	m.queues[job.DeviceID] = append(m.queues[job.DeviceID], job.ID)
	m.runs[run.RunID] = models.RunSnapshot{Summary: *run, Proposals: []models.Proposal{}}
	return nil
}

func (m *MemoryRepository) GetJob(_ context.Context, id string) (*models.CleanupJob, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, "", ErrJobNotFound
	}
	job := cloneJob(j.job)
	return &job, j.runID, nil
}

func (m *MemoryRepository) ClaimNextJob(_ context.Context, deviceID string) (*models.CleanupJob, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.queues[deviceID] {
		j := m.jobs[id]
		if j.job.Status != models.RunStatusQueued {
			continue
		}
		j.job.Status = models.RunStatusClaimed
		if snap, ok := m.runs[j.runID]; ok {
			snap.Summary.Status = models.RunStatusClaimed
			m.runs[j.runID] = snap
		}
		job := cloneJob(j.job)
		return &job, j.runID, nil
	}
	return nil, "", nil
}

func (m *MemoryRepository) GetRun(_ context.Context, runID string) (*models.RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

func (m *MemoryRepository) SaveRun(_ context.Context, snap *models.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runID := snap.Summary.RunID
	if _, ok := m.runs[runID]; !ok {
		return ErrRunNotFound
	}
	m.runs[runID] = cloneSnapshot(*snap)
	if j, ok := m.jobs[snap.Summary.JobID]; ok {
		j.job.Status = snap.Summary.Status
		j.job.UpdatedAt = snap.Summary.UpdatedAt
	}
	return nil
}

func (m *MemoryRepository) ListRuns(_ context.Context, filter RunFilter) ([]models.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.RunSummary{}
	for _, snap := range m.runs {
		s := snap.Summary
		if filter.DeviceID != "" && s.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) AppendProgress(_ context.Context, ev *models.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[ev.RunID]; !ok {
		return ErrRunNotFound
	}
	m.progress[ev.RunID] = append(m.progress[ev.RunID], *ev)
	return nil
}

func (m *MemoryRepository) ListProgress(_ context.Context, runID string) ([]models.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ProgressEvent, len(m.progress[runID]))
	copy(out, m.progress[runID])
	return out, nil
}

func (m *MemoryRepository) GetCommands(_ context.Context, runID string) (*models.RunCommands, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cmds := &models.RunCommands{RunID: runID, RunStatus: snap.Summary.Status}
	if c, ok := m.approvals[runID]; ok {
		c.Decisions = append([]models.ApprovalDecision(nil), c.Decisions...)
		cmds.Approvals = &c
	}
	if c, ok := m.executes[runID]; ok {
		cmds.Execute = &c
	}
	if c, ok := m.rollbacks[runID]; ok {
		cmds.Rollback = &c
	}
	return cmds, nil
}

func (m *MemoryRepository) SetApprovalCommand(_ context.Context, runID string, cmd *models.ApprovalCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrRunNotFound
	}
	c := *cmd
	c.Decisions = append([]models.ApprovalDecision(nil), cmd.Decisions...)
	m.approvals[runID] = c
	return nil
}

func (m *MemoryRepository) SetExecuteCommand(_ context.Context, runID string, cmd *models.ExecuteCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrRunNotFound
	}
	m.executes[runID] = *cmd
	return nil
}

func (m *MemoryRepository) SetRollbackCommand(_ context.Context, runID string, cmd *models.RollbackCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrRunNotFound
	}
	m.rollbacks[runID] = *cmd
	return nil
}

func (m *MemoryRepository) ClearCommand(_ context.Context, runID string, kind models.CommandKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrRunNotFound
	}
	switch kind {
	case models.CommandApprovals:
		delete(m.approvals, runID)
	case models.CommandExecute:
		delete(m.executes, runID)
	case models.CommandRollback:
		delete(m.rollbacks, runID)
	}
	return nil
}

func cloneDevice(d models.Device) models.Device {
	d.Capabilities = append([]string(nil), d.Capabilities...)
	if d.Host != nil {
		h := *d.Host
		d.Host = &h
	}
	return d
}

func cloneJob(j models.CleanupJob) models.CleanupJob {
	j.Scope.PathKinds = append([]string(nil), j.Scope.PathKinds...)
	j.Scope.PathIDs = append([]string(nil), j.Scope.PathIDs...)
	j.Mode.AllowedActions = append([]models.ActionKind(nil), j.Mode.AllowedActions...)
	return j
}

func cloneSnapshot(s models.RunSnapshot) models.RunSnapshot {
	out := models.RunSnapshot{Summary: s.Summary, Proposals: make([]models.Proposal, len(s.Proposals))}
	copy(out.Proposals, s.Proposals)
	return out
}
