/*
ws.go - WebSocket endpoint for realtime station events

PURPOSE:
  Upgrades GET /ws/stations/{id}/ to a WebSocket, attaches a fanout
  subscriber for the station and streams its events until the client
  disconnects.

PROTOCOL:
  Server → client only. Each message is one JSON event {type, payload}.
  Client frames are read solely to detect disconnects; their content is
  discarded. Delivery is at-most-once — a client that needs a gap filled
  refetches over REST after reconnecting.

SEE ALSO:
  - fanout/hub.go: Subscriber buffering and drop policy
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fuelguard/reconcile-engine/fuel"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement is left to the CORS layer / deployment proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeStationWS streams a station's events over a WebSocket.
func (h *Handler) ServeStationWS(w http.ResponseWriter, r *http.Request) {
	stationID := fuel.StationID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetStation(r.Context(), stationID); err != nil {
		writeDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := h.Hub.Subscribe(stationID)
	defer sub.Close()
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(connectedEvent(stationID)); err != nil {
		return
	}

	// Reader goroutine: discard client frames, detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case raw, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
