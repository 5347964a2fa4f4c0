package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Mock is a deterministic local gateway used in mock mode: same model and
// prompt always produce the same output, with no network and no cost.
type Mock struct {
	// ChunkDelay adds a pause between streamed chunks to simulate upstream
	// pacing. Zero means emit as fast as the consumer reads.
	ChunkDelay time.Duration
}

// NewMock creates a deterministic mock gateway.
func NewMock() *Mock { return &Mock{} }

var mockPhrases = []string{
	"Based on the situation described, the priority is to stabilize cash flow before expanding.",
	"The data suggests focusing on retention first; acquisition costs will compound the problem.",
	"I would recommend a phased rollout with a clear rollback plan at each milestone.",
	"The main risk here is operational, not financial; address staffing before committing.",
	"A conservative estimate puts the break-even point at roughly nine months.",
	"Consider renegotiating the vendor contract before scaling the order volume.",
	"The competitive pressure is real but overstated; differentiation matters more than speed.",
	"Consolidating the two departments would reduce overhead without hurting delivery.",
}

func (m *Mock) generate(req Request) string {
	var prompt string
	for _, msg := range req.Messages {
		prompt += msg.Role + ":" + msg.Content + "\n"
	}
	seed := xxhash.Sum64String(req.Model + "|" + prompt)
	n := 2 + int(seed%3)
	var parts []string
	for i := 0; i < n; i++ {
		parts = append(parts, mockPhrases[(seed>>uint(8*i))%uint64(len(mockPhrases))])
	}
	return fmt.Sprintf("[%s] %s", req.Model, strings.Join(parts, " "))
}

func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewError(req.Model, "complete", ClassPermanent, ErrEmptyPrompt)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := m.generate(req)
	words := len(strings.Fields(content))
	return &Response{
		Model:        req.Model,
		Content:      content,
		Usage:        Usage{InputTokens: len(req.Messages) * 16, OutputTokens: words, TotalTokens: len(req.Messages)*16 + words},
		FinishReason: "stop",
	}, nil
}

func (m *Mock) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, NewError(req.Model, "stream", ClassPermanent, ErrEmptyPrompt)
	}
	content := m.generate(req)
	words := strings.Fields(content)

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		for i, w := range words {
			if m.ChunkDelay > 0 {
				select {
				case <-time.After(m.ChunkDelay):
				case <-ctx.Done():
					ch <- Chunk{Err: ctx.Err()}
					return
				}
			}
			piece := w
			if i < len(words)-1 {
				piece += " "
			}
			select {
			case ch <- Chunk{Content: piece}:
			case <-ctx.Done():
				ch <- Chunk{Err: ctx.Err()}
				return
			}
		}
		ch <- Chunk{Done: true, Usage: &Usage{
			InputTokens:  len(req.Messages) * 16,
			OutputTokens: len(words),
			TotalTokens:  len(req.Messages)*16 + len(words),
		}}
	}()
	return ch, nil
}
