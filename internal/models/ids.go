package models

import "github.com/google/uuid"

// ID prefixes for the entities exchanged between the agent and the registry.
const (
	PrefixPairing     = "pair"
	PrefixDevice      = "dev"
	PrefixJob         = "job"
	PrefixRun         = "run"
	PrefixProposal    = "prop"
	PrefixExecution   = "exec"
	PrefixFile        = "file"
	PrefixWatchedPath = "wp"
	PrefixProgress    = "evt"
)

// NewID returns a random identifier of the form "<prefix>_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
