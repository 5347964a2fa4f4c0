package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ModelEndpoint holds per-model connection settings.
type ModelEndpoint struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	MaxTokens int
}

// HTTPGateway speaks an OpenAI-style chat-completions API, one endpoint per
// model identifier. It owns request/response translation and nothing else;
// retries, breakers and limits live in the layers above.
type HTTPGateway struct {
	endpoints map[string]ModelEndpoint
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPGateway creates a gateway over the given model endpoints. The
// shared http.Client carries no timeout; per-call deadlines come from the
// endpoint's Timeout via context.
func NewHTTPGateway(endpoints map[string]ModelEndpoint, logger *zap.Logger) *HTTPGateway {
	return &HTTPGateway{
		endpoints: endpoints,
		client:    &http.Client{},
		logger:    logger,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatChoice struct {
	Message      Message `json:"message"`
	Delta        Message `json:"delta"`
	FinishReason string  `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

func (g *HTTPGateway) endpoint(model string) (ModelEndpoint, error) {
	ep, ok := g.endpoints[model]
	if !ok {
		return ModelEndpoint{}, NewError(model, "complete", ClassPermanent, ErrUnknownModel)
	}
	return ep, nil
}

func (g *HTTPGateway) newRequest(ctx context.Context, ep ModelEndpoint, req Request, stream bool) (*http.Request, error) {
	if len(req.Messages) == 0 {
		return nil, NewError(req.Model, "complete", ClassPermanent, ErrEmptyPrompt)
	}
	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = ep.MaxTokens
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(req.Model, "complete", ClassPermanent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(ep.BaseURL, "/")+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, NewError(req.Model, "complete", ClassPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	return httpReq, nil
}

// Complete performs a blocking completion call against the model's endpoint.
func (g *HTTPGateway) Complete(ctx context.Context, req Request) (*Response, error) {
	ep, err := g.endpoint(req.Model)
	if err != nil {
		return nil, err
	}
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	httpReq, err := g.newRequest(ctx, ep, req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, NewError(req.Model, "complete", classifyTransport(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewError(req.Model, "complete", classifyHTTP(resp.StatusCode),
			fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, NewError(req.Model, "complete", ClassTransient, fmt.Errorf("decode response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return nil, NewError(req.Model, "complete", ClassTransient, fmt.Errorf("no choices in response"))
	}

	out := &Response{
		Model:        req.Model,
		Content:      cr.Choices[0].Message.Content,
		FinishReason: cr.Choices[0].FinishReason,
		Latency:      time.Since(start),
	}
	if cr.Usage != nil {
		out.Usage = Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
			TotalTokens:  cr.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Stream performs a streaming completion call. Chunks are decoded from the
// upstream SSE body and forwarded in emission order.
func (g *HTTPGateway) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ep, err := g.endpoint(req.Model)
	if err != nil {
		return nil, err
	}

	streamCtx := ctx
	var cancel context.CancelFunc = func() {}
	if ep.Timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, ep.Timeout)
	}

	httpReq, err := g.newRequest(streamCtx, ep, req, true)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, NewError(req.Model, "stream", classifyTransport(err), err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, NewError(req.Model, "stream", classifyHTTP(resp.StatusCode),
			fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer cancel()
		defer resp.Body.Close()

		var usage *Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				ch <- Chunk{Done: true, Usage: usage}
				return
			}
			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				g.logger.Warn("Skipping malformed stream chunk",
					zap.String("model", req.Model), zap.Error(err))
				continue
			}
			if cr.Usage != nil {
				usage = &Usage{
					InputTokens:  cr.Usage.PromptTokens,
					OutputTokens: cr.Usage.CompletionTokens,
					TotalTokens:  cr.Usage.TotalTokens,
				}
			}
			if len(cr.Choices) > 0 && cr.Choices[0].Delta.Content != "" {
				select {
				case ch <- Chunk{Content: cr.Choices[0].Delta.Content}:
				case <-streamCtx.Done():
					ch <- Chunk{Err: NewError(req.Model, "stream", ClassTransient, streamCtx.Err())}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- Chunk{Err: NewError(req.Model, "stream", classifyTransport(err), err)}
			return
		}
		// Upstream closed without [DONE]; treat what we have as complete.
		ch <- Chunk{Done: true, Usage: usage}
	}()
	return ch, nil
}
