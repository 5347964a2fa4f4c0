package streaming

import (
	"testing"
	"time"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	// Expect ring holds seq 2,3,4
	evs := r.since(0)
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("unexpected ring contents: %+v", evs)
	}
	// Replay since 2 -> expect 3,4
	evs = r.since(2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("unexpected replay since 2: %+v", evs)
	}
}

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(16)
	id := "delib-1"

	ch := m.Subscribe(id, 8)
	defer m.Unsubscribe(id, ch)

	m.Publish(id, Event{DeliberationID: id, Kind: KindToken, Payload: "hello"})

	select {
	case ev := <-ch:
		if ev.Kind != KindToken || ev.Payload != "hello" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Seq != 1 {
			t.Errorf("expected seq 1, got %d", ev.Seq)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscriberIsolation(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("delib-a", 8)
	defer m.Unsubscribe("delib-a", ch)

	m.Publish("delib-b", Event{DeliberationID: "delib-b", Kind: KindToken})

	select {
	case ev := <-ch:
		t.Fatalf("subscriber of delib-a received delib-b event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerReplay(t *testing.T) {
	m := NewManager(5)
	id := "delib-replay"
	for i := 0; i < 8; i++ {
		m.Publish(id, Event{DeliberationID: id, Kind: KindToken})
	}
	// Ring capacity 5 keeps seq 4..8; replay since 5 returns 6,7,8.
	evs := m.ReplaySince(id, 5)
	if len(evs) != 3 {
		t.Fatalf("expected 3 replayed events, got %d", len(evs))
	}
	for i, e := range evs {
		if e.Seq != uint64(6+i) {
			t.Errorf("replay[%d]: expected seq %d, got %d", i, 6+i, e.Seq)
		}
	}

	m.Forget(id)
	if evs := m.ReplaySince(id, 0); evs != nil {
		t.Errorf("expected no history after Forget, got %d events", len(evs))
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	m := NewManager(4)
	ch := m.Subscribe("d", 1)
	m.Unsubscribe("d", ch)
	// Second unsubscribe of the same channel must not panic.
	m.Unsubscribe("d", ch)
}
