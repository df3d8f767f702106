package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// EventStreamer upgrades a request into a progress event stream.
type EventStreamer interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// EventsHandler streams run progress events over WebSocket.
type EventsHandler struct {
	streamer EventStreamer
	logger   zerolog.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(streamer EventStreamer, logger zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		streamer: streamer,
		logger:   logger.With().Str("component", "events_handler").Logger(),
	}
}

// RegisterRoutes registers the event stream route on the given router group.
func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/runs/events", h.Stream)
}

// Stream upgrades the connection. Query parameters device_id, run_id and
// stage narrow the events sent.
// GET /runs/events
func (h *EventsHandler) Stream(c *gin.Context) {
	h.logger.Debug().Str("client_ip", c.ClientIP()).Msg("event watcher connecting")
	h.streamer.HandleWebSocket(c.Writer, c.Request)
}
