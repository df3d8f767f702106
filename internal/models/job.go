package models

import "time"

// TriggerKind identifies what requested a cleanup job.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerRemote    TriggerKind = "remote"
)

// IsValid reports whether t is a known trigger.
func (t TriggerKind) IsValid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerRemote:
		return true
	}
	return false
}

// ActionKind is the kind of filesystem operation a proposal describes.
type ActionKind string

const (
	ActionRename         ActionKind = "rename"
	ActionMove           ActionKind = "move"
	ActionArchive        ActionKind = "archive"
	ActionDuplicateGroup ActionKind = "duplicate_group"
	ActionIndexOnly      ActionKind = "index_only"
	ActionManualReview   ActionKind = "manual_review"
)

// IsValid reports whether a is a known action kind.
func (a ActionKind) IsValid() bool {
	switch a {
	case ActionRename, ActionMove, ActionArchive, ActionDuplicateGroup, ActionIndexOnly, ActionManualReview:
		return true
	}
	return false
}

// IsExecutable reports whether the execution engine can apply a.
func (a ActionKind) IsExecutable() bool {
	return a == ActionRename || a == ActionMove || a == ActionArchive
}

// DefaultAllowedActions is used when a job names no allowed actions.
func DefaultAllowedActions() []ActionKind {
	return []ActionKind{ActionRename, ActionMove, ActionArchive, ActionIndexOnly}
}

// DefaultMaxFiles bounds a scan when the job does not.
const DefaultMaxFiles = 500

// JobScope selects which watched paths a job scans.
type JobScope struct {
	PathKinds   []string `json:"path_kinds,omitempty"`
	PathIDs     []string `json:"path_ids,omitempty"`
	MaxFiles    int      `json:"max_files"`
	Incremental bool     `json:"incremental"`
}

// JobMode controls what a job may do with its proposals.
type JobMode struct {
	DryRun         bool         `json:"dry_run"`
	AllowedActions []ActionKind `json:"allowed_actions"`
}

// Allows reports whether the mode permits action.
func (m JobMode) Allows(action ActionKind) bool {
	for _, a := range m.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// CleanupJob is a unit of work requested for a device.
type CleanupJob struct {
	ID          string      `json:"id"`
	DeviceID    string      `json:"device_id"`
	Trigger     TriggerKind `json:"trigger"`
	Scope       JobScope    `json:"scope"`
	Mode        JobMode     `json:"mode"`
	RequestedBy string      `json:"requested_by"`
	Status      RunStatus   `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewCleanupJob creates a queued job and normalizes its scope and mode.
func NewCleanupJob(deviceID string, trigger TriggerKind, scope JobScope, mode JobMode, requestedBy string) *CleanupJob {
	if scope.MaxFiles <= 0 {
		scope.MaxFiles = DefaultMaxFiles
	}
	if len(mode.AllowedActions) == 0 {
		mode.AllowedActions = DefaultAllowedActions()
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	now := time.Now().UTC()
	return &CleanupJob{
		ID:          NewID(PrefixJob),
		DeviceID:    deviceID,
		Trigger:     trigger,
		Scope:       scope,
		Mode:        mode,
		RequestedBy: requestedBy,
		Status:      RunStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
