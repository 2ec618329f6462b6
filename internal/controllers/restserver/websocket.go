package restserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/soilsense/trustd/internal/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The REST API is already world-readable; the event feed carries the
	// same data, so cross-origin upgrades are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket handles GET /ws, streaming every broadcast event.
func (h *Handlers) ServeWebSocket(w http.ResponseWriter, req *http.Request) {
	h.serveFeed(w, req, h.ctrl.broadcaster.Subscribe())
}

// ServeSensorWebSocket handles GET /ws/sensors/{externalId}, streaming
// reading.new and trust.updated events for a single sensor.
func (h *Handlers) ServeSensorWebSocket(w http.ResponseWriter, req *http.Request) {
	externalID := mux.Vars(req)["externalId"]
	sensor, err := h.ctrl.store.SensorByExternalID(req.Context(), externalID)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	h.serveFeed(w, req, h.ctrl.broadcaster.SubscribeSensor(sensor.ID))
}

func (h *Handlers) serveFeed(w http.ResponseWriter, req *http.Request, sub *broadcast.Subscription) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.ctrl.broadcaster.Unsubscribe(sub.ID)
		h.ctrl.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	h.ctrl.logger.Debugw("websocket client connected", "remote", conn.RemoteAddr())

	// Reader goroutine: the feed is one-way, but reads must be drained to
	// process control frames and observe the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.ctrl.broadcaster.Unsubscribe(sub.ID)
		conn.Close()
		h.ctrl.logger.Debugw("websocket client disconnected", "remote", conn.RemoteAddr())
	}()

	pinger := time.NewTicker(wsPingPeriod)
	defer pinger.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-h.ctrl.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
