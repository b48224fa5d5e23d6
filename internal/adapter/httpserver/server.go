// Package httpserver exposes the operational HTTP surface: health probes,
// Prometheus metrics, and read-only admin views over processes and the DLQ.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server bundles the handlers of the ops surface.
type Server struct {
	Pool  Pinger
	Procs domain.ProcessRepository
	DLQ   domain.DLQRepository
}

// New constructs a Server.
func New(pool Pinger, procs domain.ProcessRepository, dlq domain.DLQRepository) *Server {
	return &Server{Pool: pool, Procs: procs, DLQ: dlq}
}

// Router builds the chi router for the ops surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Get("/dlq", s.handleDLQList)
		r.Get("/processes/{id}", s.handleProcessGet)
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db not configured"})
		return
	}
	if err := s.Pool.Ping(r.Context()); err != nil {
		slog.Warn("readiness check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	items, err := s.DLQ.List(r.Context(), offset, limit)
	if err != nil {
		slog.Error("dlq list failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dlq list failed"})
		return
	}
	total, err := s.DLQ.Count(r.Context())
	if err != nil {
		slog.Error("dlq count failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dlq count failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *Server) handleProcessGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid process id"})
		return
	}
	inst, err := s.Procs.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "process not found"})
			return
		}
		slog.Error("process lookup failed", slog.String("process_id", id.String()), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "process lookup failed"})
		return
	}
	log, err := s.Procs.LogEntries(r.Context(), id)
	if err != nil {
		slog.Error("process log lookup failed", slog.String("process_id", id.String()), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "process log lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"process": inst, "log": log})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
