package sessionapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEvents streams every published snapshot as a JSON text message.
// The stream ends when the client goes away or the session closes.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		a.logger.Warn(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	snaps, cancel := a.sess.Subscribe()
	defer cancel()

	// Clients never send data; the reader only handles control frames and
	// notices the connection closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	a.logger.Info(r.Context(), "snapshot stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-snaps:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				a.logger.Warn(r.Context(), "snapshot stream write failed", "err", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
