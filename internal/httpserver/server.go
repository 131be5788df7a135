// Package httpserver exposes the engine process's operational surface:
// liveness/readiness, the detailed health snapshot (spec §4.10), and
// Prometheus metrics. It carries no tenant-facing API — the engine is a
// background process, not a request-serving one.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// HealthProvider supplies the detailed health snapshot. *engine.Engine
// satisfies this structurally so httpserver never imports engine.
type HealthProvider interface {
	Snapshot(ctx context.Context) any
}

// Server is the engine's health/metrics HTTP surface.
type Server struct {
	Router *chi.Mux
	logger *slog.Logger
	db     *pgxpool.Pool
	redis  *redis.Client
	health HealthProvider
}

// NewServer builds the router with liveness, readiness, detailed health,
// and metrics endpoints mounted.
func NewServer(logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, health HealthProvider) *Server {
	s := &Server{Router: chi.NewRouter(), logger: logger, db: db, redis: rdb, health: health}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/health/detail", s.handleDetail)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Router.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		s.logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, s.health.Snapshot(r.Context()))
}
