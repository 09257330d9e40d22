// Package healthhttp exposes the engine's liveness, readiness, and metrics
// HTTP surface, served by a chi router.
package healthhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checker reports whether a dependency (bus, store) is currently reachable.
type Checker func() error

// Server serves /healthz, /readyz, and /metrics.
type Server struct {
	addr  string
	ready []Checker
}

// New creates a Server listening on addr. readyChecks are consulted by
// /readyz; any returning a non-nil error makes readiness fail.
func New(addr string, readyChecks ...Checker) *Server {
	return &Server{addr: addr, ready: readyChecks}
}

// Handler builds the chi router serving the health surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe starts the HTTP server; blocks until it exits.
func (s *Server) ListenAndServe() error {
	return http.ListenAndServe(s.addr, s.Handler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ready {
		if err := check(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
