package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/orchestrator"
	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/queue"
)

const (
	requestTimeout         = 60 * time.Second
	healthTimeout          = 3 * time.Second
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// Server is the orchestrator's control API: job submission, backlog
// inspection, and the dead-letter listing.
type Server struct {
	router chi.Router
	svc    *orchestrator.Service
	store  pipeline.Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc *orchestrator.Service, store pipeline.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/queue/backlog", s.queueBacklog)
		r.Get("/deadletters", s.deadLetters)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if _, err := s.svc.Backlog(ctx); err != nil {
		writeDegraded(w, "broker", err)
		return
	}
	if _, err := s.store.CountRecords(ctx); err != nil {
		writeDegraded(w, "store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	receipt, err := s.svc.Submit(r.Context(), req.URLs, req.Metadata, req.Priority)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("job submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) queueBacklog(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Backlog(r.Context())
	if err != nil {
		s.logger.Error("backlog read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read backlog")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultDeadLetterLimit, maxDeadLetterLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error("dead letter list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if records == nil {
		records = []pipeline.DeadLetterRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": records,
		"count":        len(records),
	})
}

type submitJobRequest struct {
	URLs     []string       `json:"urls"`
	Metadata map[string]any `json:"metadata"`
	Priority int            `json:"priority"`
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDegraded(w http.ResponseWriter, dependency string, err error) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": "degraded",
		"error":  dependency + ": " + err.Error(),
	})
}
