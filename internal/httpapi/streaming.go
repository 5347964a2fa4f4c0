package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boardroom-ai/council/internal/streaming"
)

// kindFilter parses the optional kinds query parameter (comma-separated).
func kindFilter(r *http.Request) map[streaming.Kind]struct{} {
	s := r.URL.Query().Get("kinds")
	if s == "" {
		return nil
	}
	out := map[streaming.Kind]struct{}{}
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out[streaming.Kind(k)] = struct{}{}
		}
	}
	return out
}

func wantKind(filter map[streaming.Kind]struct{}, k streaming.Kind) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[k]
	return ok
}

// lastEventID reads the SSE Last-Event-ID header or query fallback.
func lastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// handleSSE streams deliberation events via Server-Sent Events.
// GET /api/v1/deliberations/{id}/stream
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	filter := kindFilter(r)
	lastID := lastEventID(r)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so events published in between are not lost;
	// duplicates across the boundary are filtered by Seq.
	ch := s.mgr.Subscribe(id, 256)
	defer s.mgr.Unsubscribe(id, ch)

	fmt.Fprintf(w, ": connected to deliberation %s\n\n", id)
	flusher.Flush()

	maxSeq := lastID
	for _, ev := range s.mgr.ReplaySince(id, lastID) {
		if !wantKind(filter, ev.Kind) {
			continue
		}
		writeSSE(w, ev)
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("deliberation_id", id))
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Seq <= maxSeq || !wantKind(filter, ev.Kind) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Kind != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Kind)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}
