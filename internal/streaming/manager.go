package streaming

import (
	"sync"
	"time"

	"github.com/boardroom-ai/council/internal/metrics"
)

// Manager provides in-memory pub/sub for deliberation events, with a
// per-deliberation ring buffer for replay and Last-Event-ID support. It is
// owned by the service instance and injected where needed; there is no
// package-level singleton so tests cannot leak state into each other.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

const defaultRingCapacity = 256

// NewManager creates a manager whose per-deliberation replay rings hold
// capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a deliberation; caller must drain
// and call Unsubscribe.
func (m *Manager) Subscribe(deliberationID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[deliberationID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[deliberationID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(deliberationID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[deliberationID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, deliberationID)
		}
	}
}

// Publish sends an event to all subscribers of a deliberation
// (non-blocking; slow subscribers drop events and recover via ReplaySince).
func (m *Manager) Publish(deliberationID string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	rg := m.history[deliberationID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[deliberationID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Kind)).Inc()

	// Send under the read lock so Unsubscribe cannot close a channel
	// mid-send; sends are non-blocking so the lock is held only briefly.
	m.mu.RLock()
	for ch := range m.subscribers[deliberationID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	m.mu.RUnlock()
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity).
func (m *Manager) ReplaySince(deliberationID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[deliberationID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a deliberation's replay history once it is finished and all
// consumers are gone.
func (m *Manager) Forget(deliberationID string) {
	m.mu.Lock()
	delete(m.history, deliberationID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
