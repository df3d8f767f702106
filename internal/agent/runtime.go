package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/rs/zerolog"
)

// RuntimeState is the connection state of the agent runtime.
type RuntimeState string

const (
	RuntimeDisconnected RuntimeState = "disconnected"
	RuntimeConnecting   RuntimeState = "connecting"
	RuntimeConnected    RuntimeState = "connected"
	RuntimeStopping     RuntimeState = "stopping"
)

// RuntimeStates lists every state, for gauges.
var RuntimeStates = []string{
	string(RuntimeDisconnected), string(RuntimeConnecting), string(RuntimeConnected), string(RuntimeStopping),
}

// Reasons passed to Stop.
const (
	StopReasonManual   = "manual_stop"
	StopReasonAPI      = "api_stop"
	StopReasonShutdown = "api_shutdown"
	StopReasonSignal   = "signal"
)

// RuntimeStatus is the runtime state together with the poll loop status.
type RuntimeStatus struct {
	State         RuntimeState `json:"state"`
	Poller        SyncStatus   `json:"poller"`
	LastStartedAt *time.Time   `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time   `json:"last_stopped_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// StartResult is returned by Start. Busy means a tick abandoned by a forced
// stop was still running after the stop timeout.
type StartResult struct {
	OK             bool          `json:"ok"`
	AlreadyRunning bool          `json:"already_running"`
	Busy           bool          `json:"busy,omitempty"`
	Status         RuntimeStatus `json:"status"`
}

// StopResult is returned by Stop. Forced means the stop timeout elapsed with
// a tick still running.
type StopResult struct {
	OK             bool          `json:"ok"`
	AlreadyStopped bool          `json:"already_stopped,omitempty"`
	Forced         bool          `json:"forced"`
	Reason         string        `json:"reason"`
	Status         RuntimeStatus `json:"status"`
}

// StateRecorder exports the runtime state.
type StateRecorder interface {
	SetRuntimeState(state string, states []string)
}

// RuntimeController starts and gracefully stops the sync agent and the
// cleanup scheduler.
type RuntimeController struct {
	agent       *SyncAgent
	scheduler   *Scheduler
	stopTimeout time.Duration
	recorder    StateRecorder
	logger      zerolog.Logger

	mu            sync.Mutex
	state         RuntimeState
	cancel        context.CancelFunc
	done          chan struct{}
	abandoned     chan struct{}
	lastStartedAt *time.Time
	lastStoppedAt *time.Time
	lastError     string
}

// NewRuntimeController creates a controller. scheduler may be nil.
func NewRuntimeController(agent *SyncAgent, scheduler *Scheduler, stopTimeout time.Duration, logger zerolog.Logger) *RuntimeController {
	return &RuntimeController{
		agent:       agent,
		scheduler:   scheduler,
		stopTimeout: stopTimeout,
		logger:      logger.With().Str("component", "runtime").Logger(),
		state:       RuntimeDisconnected,
	}
}

// SetRecorder sets the runtime state gauge.
func (c *RuntimeController) SetRecorder(r StateRecorder) {
	c.recorder = r
	r.SetRuntimeState(string(c.state), RuntimeStates)
}

// Status returns the current runtime status.
func (c *RuntimeController) Status() RuntimeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Start launches the poll loop. Starting a running runtime is a no-op. After
// a forced stop, Start waits up to the stop timeout for the old loop to exit
// so two ticks never overlap.
func (c *RuntimeController) Start() StartResult {
	c.mu.Lock()
	if c.state == RuntimeConnected || c.state == RuntimeConnecting {
		defer c.mu.Unlock()
		return StartResult{OK: true, AlreadyRunning: true, Status: c.statusLocked()}
	}
	abandoned := c.abandoned
	c.mu.Unlock()

	exited := true
	if abandoned != nil {
		select {
		case <-abandoned:
		case <-time.After(c.stopTimeout):
			exited = false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == RuntimeConnected || c.state == RuntimeConnecting {
		return StartResult{OK: true, AlreadyRunning: true, Status: c.statusLocked()}
	}
	if !exited {
		c.logger.Warn().Msg("previous tick still running, runtime not started")
		return StartResult{Busy: true, Status: c.statusLocked()}
	}
	if c.abandoned == abandoned {
		c.abandoned = nil
	}
	c.setState(RuntimeConnecting)
	c.agent.Resume()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.agent.Run(ctx)
	}()
	if c.scheduler != nil {
		if err := c.scheduler.Start(); err != nil {
			c.logger.Warn().Err(err).Msg("cleanup scheduler not started")
		}
	}

	now := time.Now().UTC()
	c.cancel = cancel
	c.done = done
	c.lastStartedAt = &now
	c.lastError = ""
	c.setState(RuntimeConnected)

	c.logger.Info().Msg("runtime started")
	return StartResult{OK: true, Status: c.statusLocked()}
}

// Stop drains the poll loop, waiting up to the stop timeout for the running
// tick. A forced stop records runtime_stop_timeout:<ms> as the last error.
func (c *RuntimeController) Stop(ctx context.Context, reason string) StopResult {
	if reason == "" {
		reason = StopReasonManual
	}

	c.mu.Lock()
	if c.state == RuntimeDisconnected || c.state == RuntimeStopping {
		defer c.mu.Unlock()
		return StopResult{OK: true, AlreadyStopped: true, Reason: reason, Status: c.statusLocked()}
	}
	c.setState(RuntimeStopping)
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if c.scheduler != nil {
		<-c.scheduler.Stop().Done()
	}
	result := c.agent.Drain(ctx, c.stopTimeout)
	cancel()
	if !result.Forced {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	c.lastStoppedAt = &now
	c.cancel = nil
	c.done = nil
	if result.Forced {
		c.abandoned = done
		c.lastError = fmt.Sprintf("%s:%d", models.CodeRuntimeStopTimeoutPrefix, c.stopTimeout.Milliseconds())
	}
	c.setState(RuntimeDisconnected)

	c.logger.Info().Str("reason", reason).Bool("forced", result.Forced).Dur("waited", result.Waited).Msg("runtime stopped")
	return StopResult{OK: !result.Forced, Forced: result.Forced, Reason: reason, Status: c.statusLocked()}
}

func (c *RuntimeController) setState(s RuntimeState) {
	c.state = s
	if c.recorder != nil {
		c.recorder.SetRuntimeState(string(s), RuntimeStates)
	}
}

func (c *RuntimeController) statusLocked() RuntimeStatus {
	return RuntimeStatus{
		State:         c.state,
		Poller:        c.agent.Status(),
		LastStartedAt: c.lastStartedAt,
		LastStoppedAt: c.lastStoppedAt,
		LastError:     c.lastError,
	}
}
