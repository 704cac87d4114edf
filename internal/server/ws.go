package server

import (
	"log/slog"
	"net/http"

	"github.com/foxseedlab/livecaption/internal/transcript"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerWSRoute(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			writeJSONError(w, http.StatusBadRequest, "room is required")
			return
		}
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			topic = transcript.Topic
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws upgrade failed", "error", err, "room_id", roomID)
			return
		}
		defer func() { _ = conn.Close() }()

		ch := hub.Subscribe(roomID, topic)
		defer hub.Unsubscribe(roomID, topic, ch)
		slog.Debug("ws subscriber connected", "room_id", roomID, "topic", topic)

		// Reads only detect the peer closing.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case msg := <-ch:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	})
}
