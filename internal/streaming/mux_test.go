package streaming

import (
	"sync"
	"testing"
	"time"
)

func TestMuxPreservesPerSourceOrder(t *testing.T) {
	// A single model emitting [a,b,c] must arrive as [a,b,c] regardless of
	// interleaving with other models' events.
	mux := NewMux(64)

	models := map[string][]string{
		"alpha": {"a", "b", "c"},
		"beta":  {"x", "y", "z"},
		"gamma": {"1", "2", "3"},
	}

	var wg sync.WaitGroup
	for model, tokens := range models {
		src := make(chan Event, 1)
		mux.Attach(src)
		wg.Add(1)
		go func(model string, tokens []string, src chan Event) {
			defer wg.Done()
			defer close(src)
			for _, tok := range tokens {
				src <- Event{Model: model, Kind: KindToken, Payload: tok}
				time.Sleep(time.Millisecond)
			}
		}(model, tokens, src)
	}

	go func() {
		wg.Wait()
		mux.Close()
	}()

	received := make(map[string][]string)
	for ev := range mux.Output() {
		received[ev.Model] = append(received[ev.Model], ev.Payload)
	}

	for model, want := range models {
		got := received[model]
		if len(got) != len(want) {
			t.Fatalf("%s: expected %d events, got %d", model, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s: order violated at %d: expected %q, got %q", model, i, want[i], got[i])
			}
		}
	}
}

func TestMuxEmitInterleaves(t *testing.T) {
	mux := NewMux(8)
	src := make(chan Event, 1)
	mux.Attach(src)

	src <- Event{Model: "m", Kind: KindToken, Payload: "tok"}
	close(src)
	mux.Emit(Event{Kind: KindStageComplete, Payload: "stage 1 done"})
	mux.Close()

	kinds := map[Kind]int{}
	for ev := range mux.Output() {
		kinds[ev.Kind]++
	}
	if kinds[KindToken] != 1 || kinds[KindStageComplete] != 1 {
		t.Errorf("unexpected event counts: %+v", kinds)
	}
}

func TestMuxCloseWaitsForSources(t *testing.T) {
	mux := NewMux(8)
	src := make(chan Event)
	mux.Attach(src)
	mux.Close()

	// Output must stay open until the source closes.
	go func() {
		src <- Event{Model: "slow", Kind: KindToken, Payload: "late"}
		close(src)
	}()

	var got []Event
	for ev := range mux.Output() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Payload != "late" {
		t.Fatalf("expected the late event before close, got %+v", got)
	}
}

func TestMuxCloseIdempotent(t *testing.T) {
	mux := NewMux(4)
	mux.Close()
	mux.Close()
	select {
	case _, ok := <-mux.Output():
		if ok {
			t.Fatal("expected closed empty output")
		}
	case <-time.After(time.Second):
		t.Fatal("output never closed")
	}
}
