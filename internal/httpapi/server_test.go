package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boardroom-ai/council/internal/cache"
	"github.com/boardroom-ai/council/internal/circuitbreaker"
	"github.com/boardroom-ai/council/internal/deliberation"
	"github.com/boardroom-ai/council/internal/gateway"
	"github.com/boardroom-ai/council/internal/ratelimit"
	"github.com/boardroom-ai/council/internal/streaming"
)

func newTestServer(t *testing.T) (*httptest.Server, *deliberation.Engine) {
	t.Helper()
	logger := zap.NewNop()
	mgr := streaming.NewManager(256)
	engine := deliberation.NewEngine(
		deliberation.DefaultConfig(),
		gateway.NewMock(),
		ratelimit.NewLimiter(ratelimit.Config{Capacity: 1000, RefillRate: 1000}, logger),
		cache.New(cache.NewMemoryStore(), time.Minute, logger),
		circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger),
		mgr,
		logger,
	)

	mux := http.NewServeMux()
	NewServer(engine, mgr, nil, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, engine
}

func startDeliberation(t *testing.T, srv *httptest.Server, body string) startResponse {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/deliberations", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.DeliberationID)
	return out
}

func TestStartAndGetDeliberation(t *testing.T) {
	srv, engine := newTestServer(t)

	out := startDeliberation(t, srv, `{
		"user_id": "u1",
		"context": "should we expand to new markets?",
		"roster": ["gpt-large", "claude-main", "gemini-fast"]
	}`)

	waitForFinish(t, engine, out.DeliberationID)

	resp, err := http.Get(srv.URL + "/api/v1/deliberations/" + out.DeliberationID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec struct {
		Status string `json:"status"`
		Final  struct {
			Content string `json:"content"`
			Source  string `json:"source"`
		} `json:"final"`
		Stages map[string][]struct {
			Model   string `json:"model"`
			Outcome string `json:"outcome"`
		} `json:"stages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	require.Equal(t, "completed", rec.Status)
	require.NotEmpty(t, rec.Final.Content)
	require.Len(t, rec.Stages["1"], 3)
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/deliberations", "application/json",
		strings.NewReader(`{"user_id": "u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/deliberations", "application/json",
		strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownDeliberation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/deliberations/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelFinishedDeliberation(t *testing.T) {
	srv, engine := newTestServer(t)

	out := startDeliberation(t, srv, `{
		"user_id": "u1",
		"context": "quick question",
		"roster": ["gpt-large"]
	}`)
	waitForFinish(t, engine, out.DeliberationID)

	resp, err := http.Post(srv.URL+"/api/v1/deliberations/"+out.DeliberationID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEStreamReplaysToCompletion(t *testing.T) {
	srv, engine := newTestServer(t)

	out := startDeliberation(t, srv, `{
		"user_id": "u1",
		"context": "stream me the answer",
		"roster": ["gpt-large", "claude-main"]
	}`)
	waitForFinish(t, engine, out.DeliberationID)

	// Connect after completion; the ring replays the full history.
	resp, err := http.Get(srv.URL + out.StreamURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sawToken, sawFinal := false, false
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(5 * time.Second)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			switch streaming.Kind(strings.TrimPrefix(line, "event: ")) {
			case streaming.KindToken:
				sawToken = true
			case streaming.KindFinal:
				sawFinal = true
			}
		}
		if sawFinal {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never saw final event")
		default:
		}
	}
	require.True(t, sawToken, "expected token events in replay")
	require.True(t, sawFinal, "expected a final event in replay")
}

func TestSSEKindFilter(t *testing.T) {
	srv, engine := newTestServer(t)

	out := startDeliberation(t, srv, `{
		"user_id": "u1",
		"context": "filter test",
		"roster": ["gpt-large"]
	}`)
	waitForFinish(t, engine, out.DeliberationID)

	resp, err := http.Get(srv.URL + out.StreamURL + "?kinds=final")
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kind := strings.TrimPrefix(line, "event: ")
			require.Equal(t, string(streaming.KindFinal), kind)
			return
		}
	}
	t.Fatal("no events received")
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	require.Contains(t, body.String(), "ok")
}

func waitForFinish(t *testing.T, engine *deliberation.Engine, id string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := engine.Lookup(id)
		require.NoError(t, err)
		if rec.Status != deliberation.StatusRunning {
			require.Equal(t, deliberation.StatusCompleted, rec.Status)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deliberation never finished")
}
