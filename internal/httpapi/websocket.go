package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// handleWS streams deliberation events over a WebSocket.
// GET /api/v1/deliberations/{id}/ws
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	filter := kindFilter(r)
	lastID := lastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.mgr.Subscribe(id, 256)
	defer s.mgr.Unsubscribe(id, ch)

	maxSeq := lastID
	for _, ev := range s.mgr.ReplaySince(id, lastID) {
		if !wantKind(filter, ev.Kind) {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump: discard client messages, detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Seq <= maxSeq || !wantKind(filter, ev.Kind) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("WebSocket write failed, closing",
					zap.String("deliberation_id", id),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
