// Package api wires the HTTP surface spec.md §6 describes onto the Snapshot
// Builder, Alert Bus, and Stream Hub, in the teacher's gorilla/mux router
// shape (cmd/api/main.go).
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linnixhq/linnixd/internal/hub"
	"github.com/linnixhq/linnixd/internal/metrics"
	"github.com/linnixhq/linnixd/internal/snapshot"
)

// Server holds the dependencies every handler needs.
type Server struct {
	builder *snapshot.Builder
	hub     *hub.Hub
	metrics *metrics.Metrics
}

// NewServer builds a Server over the daemon's already-constructed
// components.
func NewServer(b *snapshot.Builder, h *hub.Hub, m *metrics.Metrics) *Server {
	return &Server{builder: b, hub: h, metrics: m}
}

// Router builds the full mux.Router for the HTTP surface in spec.md §6.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/processes", s.handleProcesses).Methods(http.MethodGet)
	r.HandleFunc("/processes/live", s.handleProcessesLive).Methods(http.MethodGet)
	r.HandleFunc("/processes/{pid}", s.handleProcess).Methods(http.MethodGet)

	r.HandleFunc("/graph/{pid}", s.handleGraph).Methods(http.MethodGet)
	r.HandleFunc("/system", s.handleSystem).Methods(http.MethodGet)

	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}", s.handleAlertByID).Methods(http.MethodGet)
	r.HandleFunc("/timeline", s.handleTimeline).Methods(http.MethodGet)

	r.HandleFunc("/metrics", s.handleMetricsJSON).Methods(http.MethodGet)
	r.Handle("/metrics/prometheus", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}
