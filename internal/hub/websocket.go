package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon serves a local operator surface, not a public API;
		// origin is not a trust boundary here the way it would be for a
		// browser-facing multi-tenant service.
		return true
	},
}

// ServeWebSocket upgrades r and streams subject records to the connection
// until the client disconnects, the hub shuts down, or the subscriber is
// force-closed for lagging.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request, subject Subject) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("hub: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.Register(subject)
	defer h.Unregister(sub, "client_closed")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Drain client reads on a goroutine purely to notice disconnects and
	// service control frames; the daemon's streams are write-only.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			return
		default:
		}

		rec, ok, timedOut := sub.Next(readerDone, ticker.C)
		switch {
		case timedOut:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case !ok:
			return
		default:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}
