package activity

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gorilla/websocket"
)

// watcher is one connected WebSocket client.
type watcher struct {
	feed   *Feed
	conn   *websocket.Conn
	remote string
	send   chan models.ProgressEvent

	mu     sync.Mutex
	filter Filter
}

// filterUpdate replaces the watcher's filter: {"type":"filter","filter":{...}}.
type filterUpdate struct {
	Type   string `json:"type"`
	Filter Filter `json:"filter"`
}

func (w *watcher) matches(ev models.ProgressEvent) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filter.Matches(ev)
}

func (w *watcher) readLoop() {
	defer func() {
		w.feed.detach(w)
		w.conn.Close()
	}()

	cfg := w.feed.config
	w.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				w.feed.logger.Debug().Err(err).Str("watcher", w.remote).Msg("websocket read error")
			}
			return
		}

		var update filterUpdate
		if err := json.Unmarshal(message, &update); err != nil || update.Type != "filter" {
			continue
		}
		w.mu.Lock()
		w.filter = update.Filter
		w.mu.Unlock()
	}
}

func (w *watcher) writeLoop() {
	cfg := w.feed.config
	ping := time.NewTicker(cfg.PingInterval)
	defer func() {
		ping.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
