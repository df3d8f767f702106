package models

import "time"

// DescriptorKind tags a PathDescriptor. Only plain paths exist today.
type DescriptorKind string

// DescriptorPath is a descriptor holding a single filesystem path.
const DescriptorPath DescriptorKind = "path"

// PathDescriptor describes one side of a proposed operation.
type PathDescriptor struct {
	Kind DescriptorKind `json:"kind"`
	Path string         `json:"path"`
}

// PathOf returns a path descriptor for p.
func PathOf(p string) PathDescriptor {
	return PathDescriptor{Kind: DescriptorPath, Path: p}
}

// RiskLevel grades how disruptive a proposal is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ProposalStatus is the approval/execution state of a proposal.
type ProposalStatus string

const (
	ProposalStatusProposed ProposalStatus = "proposed"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExecuted ProposalStatus = "executed"
	ProposalStatusFailed   ProposalStatus = "failed"
)

// RollbackType identifies how a proposal would be undone.
type RollbackType string

const (
	RollbackMoveBack RollbackType = "move_back"
	RollbackNone     RollbackType = "none"
)

// RollbackPlan is recorded with a proposal before it is executed.
type RollbackPlan struct {
	Type   RollbackType `json:"type"`
	Target string       `json:"target,omitempty"`
}

// Proposal is a candidate filesystem operation awaiting approval.
type Proposal struct {
	ID               string         `json:"id"`
	RunID            string         `json:"run_id"`
	FileID           string         `json:"file_id"`
	Action           ActionKind     `json:"action"`
	Reason           string         `json:"reason"`
	Before           PathDescriptor `json:"before"`
	After            PathDescriptor `json:"after"`
	Risk             RiskLevel      `json:"risk"`
	Confidence       float64        `json:"confidence"`
	ApprovalRequired bool           `json:"approval_required"`
	Rollback         RollbackPlan   `json:"rollback"`
	Status           ProposalStatus `json:"status"`
	SizeBytes        int64          `json:"size_bytes"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ExecutedAt       *time.Time     `json:"executed_at,omitempty"`
}
