package models

import "time"

// CommandKind names one of the three mailboxes a run holds.
type CommandKind string

const (
	CommandApprovals CommandKind = "approvals"
	CommandExecute   CommandKind = "execute"
	CommandRollback  CommandKind = "rollback"
)

// IsValid reports whether k names a mailbox.
func (k CommandKind) IsValid() bool {
	return k == CommandApprovals || k == CommandExecute || k == CommandRollback
}

// Decision is an approver's verdict on one proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalDecision decides one proposal. EditedAfter overrides the target.
type ApprovalDecision struct {
	ProposalID  string   `json:"proposal_id" binding:"required"`
	Decision    Decision `json:"decision" binding:"required,oneof=approve reject"`
	EditedAfter string   `json:"edited_after,omitempty"`
}

// ApprovalCommand is the pending approval mailbox content.
type ApprovalCommand struct {
	Decisions   []ApprovalDecision `json:"decisions"`
	RequestedBy string             `json:"requested_by,omitempty"`
	RequestedAt time.Time          `json:"requested_at"`
}

// ExecuteCommand asks the agent to execute approved proposals.
type ExecuteCommand struct {
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// RollbackCommand asks the agent to roll back a run's executions.
type RollbackCommand struct {
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// RunCommands is the content of all three mailboxes of a run.
type RunCommands struct {
	RunID     string           `json:"run_id"`
	RunStatus RunStatus        `json:"run_status"`
	Approvals *ApprovalCommand `json:"approvals"`
	Execute   *ExecuteCommand  `json:"execute"`
	Rollback  *RollbackCommand `json:"rollback"`
}

// Empty reports whether no mailbox holds a command.
func (c *RunCommands) Empty() bool {
	return c.Approvals == nil && c.Execute == nil && c.Rollback == nil
}

// RequestedAt returns the timestamp of the command in mailbox kind.
func (c *RunCommands) RequestedAt(kind CommandKind) (time.Time, bool) {
	switch kind {
	case CommandApprovals:
		if c.Approvals != nil {
			return c.Approvals.RequestedAt, true
		}
	case CommandExecute:
		if c.Execute != nil {
			return c.Execute.RequestedAt, true
		}
	case CommandRollback:
		if c.Rollback != nil {
			return c.Rollback.RequestedAt, true
		}
	}
	return time.Time{}, false
}

// ApplyDecisions applies approval decisions to the proposals of s and
// returns how many proposals changed. Executed proposals are left alone so
// that a late approval can never queue the same mutation twice.
func (s *RunSnapshot) ApplyDecisions(decisions []ApprovalDecision, now time.Time) int {
	index := make(map[string]int, len(s.Proposals))
	for i, p := range s.Proposals {
		index[p.ID] = i
	}

	applied := 0
	for _, d := range decisions {
		i, ok := index[d.ProposalID]
		if !ok {
			continue
		}
		p := &s.Proposals[i]
		if p.Status == ProposalStatusExecuted {
			continue
		}
		switch d.Decision {
		case DecisionApprove:
			p.Status = ProposalStatusApproved
			if d.EditedAfter != "" {
				p.After = PathOf(d.EditedAfter)
			}
		case DecisionReject:
			p.Status = ProposalStatusRejected
		default:
			continue
		}
		p.Error = ""
		p.UpdatedAt = now
		applied++
	}
	return applied
}
