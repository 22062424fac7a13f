// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/youssefsiam38/aiopg/inference"
	"github.com/youssefsiam38/aiopg/memory"
	"github.com/youssefsiam38/aiopg/metrics"
	"github.com/youssefsiam38/aiopg/orchestrator"
	"github.com/youssefsiam38/aiopg/storage"
)

// Server wires the orchestrator and dependency probes into an HTTP
// handler.
type Server struct {
	orch      *orchestrator.Orchestrator
	store     storage.Store
	inference inference.Service
	logger    *slog.Logger
}

// NewServer creates the HTTP surface.
func NewServer(orch *orchestrator.Orchestrator, store storage.Store, svc inference.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:      orch,
		store:     store,
		inference: svc,
		logger:    logger,
	}
}

// Handler returns the routed handler with run-id and logging middleware
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("GET /trace/{run_id}", s.handleTrace)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.withRunID(s.withLogging(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadyz probes postgres and the inference backend. Any failed
// probe turns the whole response into a 503 with per-dependency details.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	details := map[string]string{
		"postgres": "ok",
		"ollama":   "ok",
	}
	status := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		details["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.inference.Healthy(r.Context()); err != nil {
		details["ollama"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"status": "ok", "details": details}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

type askRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := s.orch.Ask(r.Context(), req.Prompt, RunIDFromContext(r.Context()))
	if err != nil {
		s.writeAskError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeAskError(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "no remembered phrase")
	default:
		s.logger.ErrorContext(ctx, "ask failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	events, err := s.orch.Trace(r.Context(), runID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "trace failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []memory.TraceEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"count":  len(events),
		"events": events,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"error": detail})
}
