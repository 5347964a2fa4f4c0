// Package httpapi exposes the council over HTTP: a JSON control surface
// for starting, inspecting, and canceling deliberations, plus SSE and
// WebSocket event streams.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/boardroom-ai/council/internal/config"
	"github.com/boardroom-ai/council/internal/deliberation"
	"github.com/boardroom-ai/council/internal/streaming"
)

// Server wires the deliberation engine to HTTP handlers.
type Server struct {
	engine  *deliberation.Engine
	mgr     *streaming.Manager
	catalog *config.Catalog // optional; fills roster defaults when the request omits them
	logger  *zap.Logger
}

func NewServer(engine *deliberation.Engine, mgr *streaming.Manager, catalog *config.Catalog, logger *zap.Logger) *Server {
	return &Server{engine: engine, mgr: mgr, catalog: catalog, logger: logger}
}

// RegisterRoutes registers all council routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/deliberations", s.handleStart)
	mux.HandleFunc("GET /api/v1/deliberations/{id}", s.handleGet)
	mux.HandleFunc("POST /api/v1/deliberations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/deliberations/{id}/stream", s.handleSSE)
	mux.HandleFunc("GET /api/v1/deliberations/{id}/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

type startRequest struct {
	UserID         string   `json:"user_id"`
	Context        string   `json:"context"`
	Roster         []string `json:"roster,omitempty"`
	RankingModels  []string `json:"ranking_models,omitempty"`
	SynthesisModel string   `json:"synthesis_model,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
	OverallTimeout string   `json:"overall_timeout,omitempty"`
}

type startResponse struct {
	DeliberationID string `json:"deliberation_id"`
	StreamURL      string `json:"stream_url"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := deliberation.Request{
		UserID:         body.UserID,
		Context:        body.Context,
		Roster:         body.Roster,
		RankingModels:  body.RankingModels,
		SynthesisModel: body.SynthesisModel,
		MaxAttempts:    body.MaxAttempts,
	}
	if len(req.Roster) == 0 && s.catalog != nil {
		req.Roster = s.catalog.Roster()
		if len(req.RankingModels) == 0 {
			req.RankingModels = s.catalog.RankingModels()
		}
		if req.SynthesisModel == "" {
			req.SynthesisModel = s.catalog.SynthesisModel()
		}
	}
	if body.OverallTimeout != "" {
		d, err := time.ParseDuration(body.OverallTimeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid overall_timeout")
			return
		}
		req.Timeouts.Overall = d
	}

	id, _, err := s.engine.StartDeliberation(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("Deliberation accepted",
		zap.String("deliberation_id", id),
		zap.String("user_id", req.UserID),
	)
	writeJSON(w, http.StatusAccepted, startResponse{
		DeliberationID: id,
		StreamURL:      "/api/v1/deliberations/" + id + "/stream",
	})
}

type deliberationResponse struct {
	*deliberation.Record
	Stages map[string][]*deliberation.ModelResult `json:"stages,omitempty"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "deliberation not found")
		return
	}

	resp := deliberationResponse{Record: rec, Stages: map[string][]*deliberation.ModelResult{}}
	for _, stage := range []int{deliberation.StageCollect, deliberation.StageRank, deliberation.StageSynthesis} {
		if sr := rec.Stage(stage); sr != nil {
			resp.Stages[strconv.Itoa(stage)] = sr.All()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, deliberation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deliberation not found or already finished")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
