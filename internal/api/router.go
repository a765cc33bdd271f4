// Package api serves the local status surface of the agent
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"upsagent/internal/events"
)

// Server represents the API server
type Server struct {
	router     *chi.Mux
	status     *Status
	eventStore *events.Store
	hub        *LiveHub
	gatherer   prometheus.Gatherer
}

// NewServer creates new API server. A nil gatherer disables /metrics.
func NewServer(status *Status, eventStore *events.Store, hub *LiveHub, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		status:     status,
		eventStore: eventStore,
		hub:        hub,
		gatherer:   gatherer,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/status", s.status.ServeHTTP)
	r.Get("/api/events", journalHandler(s.eventStore))
	r.Get("/api/live", s.hub.ServeHTTP)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
