// Package activity fans run progress events out to WebSocket watchers.
package activity

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Filter narrows the events a watcher receives. Empty fields match everything.
type Filter struct {
	DeviceIDs []string               `json:"device_ids,omitempty"`
	RunIDs    []string               `json:"run_ids,omitempty"`
	Stages    []models.ProgressStage `json:"stages,omitempty"`
}

// Matches checks if an event passes the filter.
func (f Filter) Matches(ev models.ProgressEvent) bool {
	if len(f.DeviceIDs) > 0 && !slices.Contains(f.DeviceIDs, ev.DeviceID) {
		return false
	}
	if len(f.RunIDs) > 0 && !slices.Contains(f.RunIDs, ev.RunID) {
		return false
	}
	if len(f.Stages) > 0 && !slices.Contains(f.Stages, ev.Stage) {
		return false
	}
	return true
}

// FilterFromRequest reads device_id, run_id and stage query parameters.
func FilterFromRequest(r *http.Request) Filter {
	q := r.URL.Query()
	f := Filter{
		DeviceIDs: q["device_id"],
		RunIDs:    q["run_id"],
	}
	for _, s := range q["stage"] {
		f.Stages = append(f.Stages, models.ProgressStage(s))
	}
	return f
}

// Config holds configuration for the Feed.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
	// ReplayRuns bounds how many runs keep their latest event for replay to
	// newly connected watchers. Zero disables replay.
	ReplayRuns int
}

// DefaultConfig returns the feed defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 1024,
		SendBufferSize: 64,
		ReplayRuns:     128,
	}
}

// Feed broadcasts progress events to connected watchers. It implements
// registry.Publisher.
type Feed struct {
	config   Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	watchers map[*watcher]struct{}
	latest   map[string]models.ProgressEvent
	order    []string
	closed   bool

	events chan models.ProgressEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewFeed creates a new Feed with the given configuration.
func NewFeed(cfg Config, logger zerolog.Logger) *Feed {
	return &Feed{
		config: cfg,
		logger: logger.With().Str("component", "activity_feed").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Watchers authenticate with the service token before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		watchers: make(map[*watcher]struct{}),
		latest:   make(map[string]models.ProgressEvent),
		events:   make(chan models.ProgressEvent, 256),
		done:     make(chan struct{}),
	}
}

// Start begins delivering published events.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.deliver()
	f.logger.Info().Msg("activity feed started")
}

// Stop closes every watcher and waits for delivery to finish.
func (f *Feed) Stop() {
	close(f.done)
	f.wg.Wait()

	f.mu.Lock()
	f.closed = true
	for w := range f.watchers {
		close(w.send)
	}
	f.watchers = make(map[*watcher]struct{})
	f.mu.Unlock()
	f.logger.Info().Msg("activity feed stopped")
}

// Publish queues ev for broadcast without blocking the caller.
func (f *Feed) Publish(ev models.ProgressEvent) {
	select {
	case f.events <- ev:
	default:
		f.logger.Warn().Str("run_id", ev.RunID).Msg("broadcast buffer full, dropping event")
	}
}

// ClientCount returns the number of connected watchers.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.watchers)
}

func (f *Feed) deliver() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case ev := <-f.events:
			f.dispatch(ev)
		}
	}
}

// dispatch records ev for replay and sends it to every matching watcher.
// Both happen under one lock so a watcher attaching concurrently sees the
// event exactly once.
func (f *Feed) dispatch(ev models.ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.config.ReplayRuns > 0 && ev.RunID != "" {
		if _, ok := f.latest[ev.RunID]; !ok {
			f.order = append(f.order, ev.RunID)
			if len(f.order) > f.config.ReplayRuns {
				delete(f.latest, f.order[0])
				f.order = f.order[1:]
			}
		}
		f.latest[ev.RunID] = ev
	}

	for w := range f.watchers {
		if !w.matches(ev) {
			continue
		}
		select {
		case w.send <- ev:
		default:
			f.logger.Warn().
				Str("watcher", w.remote).
				Str("run_id", ev.RunID).
				Msg("watcher send buffer full, dropping event")
		}
	}
}

// attach registers w and queues the latest event of every run it matches.
func (f *Feed) attach(w *watcher) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.watchers[w] = struct{}{}
	for _, runID := range f.order {
		ev := f.latest[runID]
		if !w.filter.Matches(ev) {
			continue
		}
		select {
		case w.send <- ev:
		default:
		}
	}
	f.logger.Debug().Str("watcher", w.remote).Msg("watcher connected")
	return true
}

func (f *Feed) detach(w *watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watchers[w]; !ok {
		return
	}
	delete(f.watchers, w)
	close(w.send)
	f.logger.Debug().Str("watcher", w.remote).Msg("watcher disconnected")
}

// HandleWebSocket upgrades the connection and registers a watcher using the
// filter from the request query.
func (f *Feed) HandleWebSocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	w := &watcher{
		feed:   f,
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan models.ProgressEvent, f.config.SendBufferSize),
		filter: FilterFromRequest(r),
	}
	if !f.attach(w) {
		conn.Close()
		return
	}

	go w.writeLoop()
	go w.readLoop()
}
