// Package api exposes the thin admin/metrics surface this system keeps
// in-process: liveness/readiness, Prometheus metrics, and a manual
// trigger hook (the HTTP counterpart of the CLI's --once flag) that any
// external cron wrapper can call to run the scheduler's jobs on demand. The user-facing dashboard
// and full config surface live elsewhere — this is the minimal
// operational boundary a process supervisor needs.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthSource reports the aggregate health of the pipeline's moving
// parts for /healthz.
type HealthSource interface {
	Health() Health
}

// Health is the /healthz response body.
type Health struct {
	Status          string    `json:"status"` // healthy | degraded | unhealthy
	HubSessionState string    `json:"hub_session_state"`
	QualityRating   string    `json:"quality_rating"`
	DroppedEvents   int64     `json:"dropped_events"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Runner triggers an out-of-band run of every scheduled job, used by
// /admin/run-once (the in-process counterpart of the CLI's --once).
type Runner interface {
	RunNow() error
}

// Server is the admin HTTP surface.
type Server struct {
	health HealthSource
	runner Runner
}

// NewServer creates a Server. Both dependencies are optional; a nil
// HealthSource reports "unknown", a nil Runner 404s /admin/run-once.
func NewServer(health HealthSource, runner Runner) *Server {
	return &Server{health: health, runner: runner}
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/admin/run-once", s.handleRunOnce)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "unknown", CheckedAt: time.Now().UTC()}
	if s.health != nil {
		h = s.health.Health()
		h.CheckedAt = time.Now().UTC()
	}

	status := http.StatusOK
	if h.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.runner.RunNow(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
