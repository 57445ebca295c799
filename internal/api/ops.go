package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/pipeline"
)

// StatsFunc returns a worker pool's counter snapshot for the /stats endpoint.
type StatsFunc func() any

// OpsConfig names the topic and group whose backlog the health check probes.
type OpsConfig struct {
	Topic string
	Group string
}

// OpsServer serves the health, stats, and metrics endpoints every worker
// binary exposes.
type OpsServer struct {
	router chi.Router
	broker pipeline.Broker
	store  pipeline.Store
	stats  StatsFunc
	cfg    OpsConfig
	logger *zap.Logger
}

// NewOpsServer constructs the ops surface for a worker binary.
func NewOpsServer(broker pipeline.Broker, store pipeline.Store, stats StatsFunc, cfg OpsConfig, logger *zap.Logger) *OpsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &OpsServer{broker: broker, store: store, stats: stats, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/stats", s.statsSnapshot)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *OpsServer) Handler() http.Handler {
	return s.router
}

func (s *OpsServer) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if _, err := s.broker.PendingCount(ctx, s.cfg.Topic, s.cfg.Group); err != nil {
		writeDegraded(w, "broker", err)
		return
	}
	if _, err := s.store.CountRecords(ctx); err != nil {
		writeDegraded(w, "store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *OpsServer) statsSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}
