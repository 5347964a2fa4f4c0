package gateway

import (
	"context"
	"time"
)

// Message is a single turn in the prompt context sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call against one model.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Usage reports token consumption for a completed call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the full (non-streamed) result of a completion call.
type Response struct {
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	Usage        Usage         `json:"usage"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Latency      time.Duration `json:"-"`
}

// Chunk is one streamed fragment of a model response. The final chunk has
// Done set and carries usage if the upstream reported it. A chunk with Err
// set terminates the stream with that error.
type Chunk struct {
	Content string
	Done    bool
	Usage   *Usage
	Err     error
}

// Gateway abstracts one upstream "complete text, optionally streaming" API.
// Implementations must be safe for concurrent use; the deliberation engine
// issues many calls through one gateway at a time.
type Gateway interface {
	// Complete performs a blocking completion call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming completion call. The returned channel is
	// closed after the terminal chunk. Cancelling ctx aborts the stream.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Collect drains a chunk stream into a single Response. It is used where a
// caller wants streaming transport but a whole-response result.
func Collect(model string, ch <-chan Chunk) (*Response, error) {
	start := time.Now()
	resp := &Response{Model: model}
	for c := range ch {
		if c.Err != nil {
			return nil, c.Err
		}
		resp.Content += c.Content
		if c.Usage != nil {
			resp.Usage = *c.Usage
		}
	}
	resp.Latency = time.Since(start)
	return resp, nil
}
