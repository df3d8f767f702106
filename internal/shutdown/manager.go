// Package shutdown coordinates graceful stop of the sync agent's poll loop.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates new work is accepted.
	StateRunning State = "running"
	// StateDraining indicates no new work is accepted and in-flight work is awaited.
	StateDraining State = "draining"
	// StateComplete indicates shutdown finished, gracefully or forced.
	StateComplete State = "complete"
)

// DefaultPollInterval is how often Shutdown checks for in-flight work.
const DefaultPollInterval = 100 * time.Millisecond

// Status represents the current shutdown status.
type Status struct {
	State            State      `json:"state"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	InFlight         int        `json:"in_flight"`
	AcceptingNewWork bool       `json:"accepting_new_work"`
	Forced           bool       `json:"forced"`
}

// Result describes how a shutdown ended. A forced result means the last
// piece of in-flight work may not have finished and its outcome must be
// re-derived from persisted state.
type Result struct {
	Forced   bool
	Waited   time.Duration
	InFlight int
}

// Manager tracks in-flight work and drains it on shutdown. It is reusable:
// Reset returns it to the running state after a completed shutdown.
type Manager struct {
	pollInterval time.Duration
	logger       zerolog.Logger

	mu        sync.Mutex
	state     State
	startedAt *time.Time
	forced    bool
	inFlight  atomic.Int32
	accepting atomic.Bool
}

// NewManager creates a new shutdown manager.
func NewManager(logger zerolog.Logger) *Manager {
	m := &Manager{
		pollInterval: DefaultPollInterval,
		logger:       logger.With().Str("component", "shutdown_manager").Logger(),
		state:        StateRunning,
	}
	m.accepting.Store(true)
	return m
}

// Begin registers a unit of in-flight work. It returns false once shutdown
// has started; the caller must then skip the work. Every successful Begin
// must be paired with End.
func (m *Manager) Begin() bool {
	if !m.accepting.Load() {
		return false
	}
	m.inFlight.Add(1)
	// Shutdown may have started between the check and the increment.
	if !m.accepting.Load() {
		m.inFlight.Add(-1)
		return false
	}
	return true
}

// End marks a unit of in-flight work as finished.
func (m *Manager) End() {
	m.inFlight.Add(-1)
}

// IsAccepting reports whether new work is accepted.
func (m *Manager) IsAccepting() bool {
	return m.accepting.Load()
}

// InFlight returns the number of units currently running.
func (m *Manager) InFlight() int {
	return int(m.inFlight.Load())
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:            m.state,
		StartedAt:        m.startedAt,
		InFlight:         m.InFlight(),
		AcceptingNewWork: m.accepting.Load(),
		Forced:           m.forced,
	}
}

// Shutdown stops accepting work and polls until in-flight work finishes, the
// timeout elapses or ctx is done. The last two end in a forced result.
func (m *Manager) Shutdown(ctx context.Context, timeout time.Duration) Result {
	started := time.Now()
	m.mu.Lock()
	m.state = StateDraining
	m.startedAt = &started
	m.forced = false
	m.mu.Unlock()
	m.accepting.Store(false)

	m.logger.Info().Dur("timeout", timeout).Int("in_flight", m.InFlight()).Msg("initiating graceful shutdown")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	result := Result{}
	for m.InFlight() > 0 {
		select {
		case <-ctx.Done():
			result.Forced = true
		case <-deadline.C:
			result.Forced = true
		case <-ticker.C:
			continue
		}
		break
	}
	result.Waited = time.Since(started)
	result.InFlight = m.InFlight()

	m.mu.Lock()
	m.state = StateComplete
	m.forced = result.Forced
	m.mu.Unlock()

	if result.Forced {
		m.logger.Warn().
			Dur("waited", result.Waited).
			Int("in_flight", result.InFlight).
			Msg("shutdown timeout reached with work still running")
	} else {
		m.logger.Info().Dur("waited", result.Waited).Msg("graceful shutdown complete")
	}
	return result
}

// Reset accepts new work again after a shutdown.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateRunning
	m.startedAt = nil
	m.forced = false
	m.accepting.Store(true)
}
