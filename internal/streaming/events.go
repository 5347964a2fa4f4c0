package streaming

import (
	"encoding/json"
	"time"
)

// Kind enumerates deliberation event types.
type Kind string

const (
	KindToken         Kind = "token"          // one streamed fragment of a model response
	KindError         Kind = "error"          // a per-model or terminal failure
	KindStageComplete Kind = "stage_complete" // a stage's completion summary
	KindFinal         Kind = "final"          // the terminal event carrying the final answer
)

// Event is one item in a deliberation's output stream. Model is empty for
// synthesis-stage tokens and terminal events (the "final" channel).
type Event struct {
	DeliberationID string    `json:"deliberation_id"`
	Stage          int       `json:"stage,omitempty"`
	Model          string    `json:"model,omitempty"`
	Kind           Kind      `json:"kind"`
	Payload        string    `json:"payload,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Seq            uint64    `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
