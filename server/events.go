package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed carries the user's own memory events; hosts terminate auth
	// in front of this service.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams memory lifecycle events over a websocket. An optional
// user_id query parameter filters the feed to one user.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filterUser := r.URL.Query().Get("user_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.engine.Subscribe(64)
	defer cancel()

	// Reader goroutine: we never expect client messages, but reading is
	// how gorilla surfaces close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filterUser != "" && ev.UserID != filterUser {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
