// Package api exposes a small read-only status surface for operators: health,
// metrics, and the outcome of the most recent dispatch run. The mover is
// driven from the command line; nothing here mutates state.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"data-mover/internal/models"
	"data-mover/internal/telemetry"
)

// Pinger reports ledger connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the status HTTP handlers.
type Server struct {
	ledger Pinger

	mu      sync.RWMutex
	lastRun *models.AggregateResult
}

// New constructs the status server. ledger may be nil; health then reports
// only process liveness.
func New(ledger Pinger) *Server {
	return &Server{ledger: ledger}
}

// RecordRun publishes a finished run's summary to /runs/latest.
func (s *Server) RecordRun(res models.AggregateResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = &res
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/runs/latest", s.handleLatestRun)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ledger != nil {
		if err := s.ledger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"ledger": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	run := s.lastRun
	s.mu.RUnlock()
	if run == nil {
		http.Error(w, "no run recorded yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
