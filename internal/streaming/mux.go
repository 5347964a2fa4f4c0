package streaming

import (
	"sync"
)

// Mux merges concurrent per-model event channels into one output stream.
// Events from different sources interleave arbitrarily; events from one
// source keep their emission order because each source is drained by a
// single goroutine writing to the shared output.
type Mux struct {
	out    chan Event
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewMux creates a multiplexer with the given output buffer.
func NewMux(buffer int) *Mux {
	if buffer <= 0 {
		buffer = 64
	}
	return &Mux{out: make(chan Event, buffer)}
}

// Attach starts forwarding a source channel into the output. The source
// must be closed by its producer (normally on completion or cancellation).
// Attaching after Close panics: it indicates a coordinator bug.
func (m *Mux) Attach(src <-chan Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		panic("streaming: Attach after Close")
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for ev := range src {
			m.out <- ev
		}
	}()
}

// Emit writes a single event directly to the output, interleaved with the
// attached sources. Used for stage boundaries and terminal events.
func (m *Mux) Emit(ev Event) {
	m.out <- ev
}

// Output returns the merged stream. It is closed only after Close is
// called and every attached source has been fully drained.
func (m *Mux) Output() <-chan Event {
	return m.out
}

// Close marks the mux complete: once every attached source channel closes,
// the output channel closes. Close does not interrupt sources; cancelling
// the producers is the coordinator's job.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	go func() {
		m.wg.Wait()
		close(m.out)
	}()
}

// Wait blocks until every attached source has been drained. It does not
// imply the output channel is closed.
func (m *Mux) Wait() {
	m.wg.Wait()
}
