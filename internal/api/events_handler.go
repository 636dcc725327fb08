package api

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/internal/protocol"
	"github.com/zoravur/catalogcore/internal/reactive"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and registers the connection on
// the admin Feed for the lifetime of the socket, fanning out every
// CollectedCommand/SQLDropObject the eventtrigger core records until the
// client disconnects. A single always-on broadcast stream; there is no
// per-client subscription state.
func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("events: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	h.Log.Info("events: client connected", zap.String("client_id", clientID))
	defer h.Log.Info("events: client disconnected", zap.String("client_id", clientID))

	var writeMu sync.Mutex
	client := &reactive.Client{
		Send: func(kind string, payload any) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteJSON(protocol.EventFrame{
				Message: protocol.Message{Type: "EVENT"},
				Kind:    kind,
				Payload: payload,
			})
		},
	}
	h.Feed.Register(client)
	defer h.Feed.Unregister(client)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		protocol.HandleControlMessage(conn, raw)
	}
}
