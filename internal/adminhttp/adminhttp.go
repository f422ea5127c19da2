// Package adminhttp exposes the proxy's metrics and liveness surface.
// Grounded on the teacher's internal/api/server.go: a gorilla/mux router
// plus promhttp.HandlerFor wired to a private registry, trimmed from a
// full tenant CRUD REST API down to the /metrics and /healthz routes this
// proxy's scope covers — tenant management is the out-of-scope REST
// control-plane collaborator named in spec.md §1.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/mdbproxy/internal/metrics"
)

// Server serves /metrics and /healthz for operational tooling.
type Server struct {
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// New builds a Server bound to bind (host:port).
func New(bind string, m *metrics.Collector) *Server {
	s := &Server{metrics: m, startTime: time.Now()}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         bind,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// Start begins serving in the background; call Shutdown to stop it.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
