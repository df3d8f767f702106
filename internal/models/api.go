package models

import "time"

// StartPairingRequest opens a pairing session.
type StartPairingRequest struct {
	Label string `json:"label,omitempty"`
}

// StartPairingResponse carries the code the user enters on the device.
type StartPairingResponse struct {
	PairingSessionID string    `json:"pairing_session_id"`
	PairingCode      string    `json:"pairing_code"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// CompletePairingRequest redeems a pairing session.
type CompletePairingRequest struct {
	PairingSessionID string    `json:"pairing_session_id" binding:"required"`
	PairingCode      string    `json:"pairing_code" binding:"required"`
	DeviceLabel      string    `json:"device_label" binding:"required"`
	OS               string    `json:"os"`
	Host             *HostInfo `json:"host,omitempty"`
}

// CompletePairingResponse returns the long-lived device credentials.
type CompletePairingResponse struct {
	DeviceID    string    `json:"device_id"`
	DeviceToken string    `json:"device_token"`
	PairedAt    time.Time `json:"paired_at"`
}

// HeartbeatRequest is sent by the agent on every tick.
type HeartbeatRequest struct {
	DeviceID     string    `json:"device_id"`
	AgentVersion string    `json:"agent_version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LocalUIPort  int       `json:"local_ui_port,omitempty"`
	Host         *HostInfo `json:"host,omitempty"`
}

// HeartbeatResponse suggests the next poll interval.
type HeartbeatResponse struct {
	OK          bool      `json:"ok"`
	ServerTime  time.Time `json:"server_time"`
	PollAfterMs int       `json:"poll_after_ms"`
	Device      *Device   `json:"device"`
}

// EnqueueJobRequest asks the registry to queue a job for a device.
type EnqueueJobRequest struct {
	DeviceID    string      `json:"device_id" binding:"required"`
	Trigger     TriggerKind `json:"trigger,omitempty"`
	Scope       JobScope    `json:"scope"`
	Mode        JobMode     `json:"mode"`
	RequestedBy string      `json:"requested_by,omitempty"`
}

// EnqueueJobResponse returns the queued job and its run.
type EnqueueJobResponse struct {
	Job    *CleanupJob `json:"job"`
	RunID  string      `json:"run_id"`
	Status RunStatus   `json:"status"`
}

// ClaimedJob is what a device receives from the job queue.
type ClaimedJob struct {
	Job   *CleanupJob `json:"job"`
	RunID string      `json:"run_id"`
}

// NextJobResponse wraps an optional claimed job.
type NextJobResponse struct {
	Job   *CleanupJob `json:"job"`
	RunID string      `json:"run_id,omitempty"`
}

// ProgressRequest reports a pipeline milestone.
type ProgressRequest struct {
	RunID   string           `json:"run_id" binding:"required"`
	Status  RunStatus        `json:"status" binding:"required"`
	Stage   ProgressStage    `json:"stage" binding:"required"`
	Message string           `json:"message"`
	Counts  map[string]int64 `json:"counts,omitempty"`
}

// ResultRequest replaces the registry's snapshot of a run.
type ResultRequest struct {
	RunID    string      `json:"run_id" binding:"required"`
	Snapshot RunSnapshot `json:"snapshot"`
}

// ApprovalsRequest fills the approval mailbox.
type ApprovalsRequest struct {
	Decisions   []ApprovalDecision `json:"decisions" binding:"required,min=1,dive"`
	RequestedBy string             `json:"requested_by,omitempty"`
}

// CommandRequest fills the execute or rollback mailbox.
type CommandRequest struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error   ErrorCode `json:"error"`
	Message string    `json:"message,omitempty"`
}

// RunDetailResponse is a run snapshot together with its progress log.
type RunDetailResponse struct {
	Snapshot *RunSnapshot    `json:"snapshot"`
	Progress []ProgressEvent `json:"progress"`
}

// OKResponse acknowledges a command.
type OKResponse struct {
	OK bool `json:"ok"`
}
