package models

import "time"

// OperationKind is what an execution record did.
type OperationKind string

const (
	OperationRename   OperationKind = "rename"
	OperationMove     OperationKind = "move"
	OperationArchive  OperationKind = "archive"
	OperationRollback OperationKind = "rollback"
)

// UndoDescriptor reverses one successful execution: move From back to To.
type UndoDescriptor struct {
	Type RollbackType `json:"type"`
	From string       `json:"from"`
	To   string       `json:"to"`
}

// ExecutionRecord is an append-only audit entry for one attempted mutation.
type ExecutionRecord struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	ProposalID string          `json:"proposal_id"`
	Operation  OperationKind   `json:"operation"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Undo       *UndoDescriptor `json:"undo,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Reversible reports whether the record can be rolled back.
func (e *ExecutionRecord) Reversible() bool {
	return e.Success && e.Operation != OperationRollback && e.Undo != nil
}
