// Package controlplane exposes the daemon's live-reconfigurable
// configuration and its Prometheus metrics over a small HTTP server,
// independent of the FUSE dispatch thread.
package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/dwango/mizumochi/internal/config"
	"github.com/dwango/mizumochi/internal/logger"
	"github.com/dwango/mizumochi/internal/metrics"
)

// Server wraps a standard library http.Server with the two endpoints the
// control plane needs: GET/PUT /config against the shared configuration
// cell, and GET /metrics against the shared metrics registry.
type Server struct {
	cell    *config.Cell
	metrics *metrics.Registry
	http    *http.Server
}

// New builds a control-plane server listening on addr. It does not start
// listening until Serve is called.
func New(addr string, cell *config.Cell, registry *metrics.Registry) *Server {
	s := &Server{cell: cell, metrics: registry}

	mux := http.NewServeMux()
	mux.HandleFunc("/config", s.handleConfig)
	mux.Handle("/metrics", registry.Handler())

	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Serve blocks, running the HTTP server until it is shut down or fails.
// It is intended to be run on its own goroutine alongside the mount.
func (s *Server) Serve() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getConfig(w, r)
	case http.MethodPut:
		s.putConfig(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.cell.Load()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		logger.Errorf("controlplane: encoding config response: %v", err)
	}
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var snapshot config.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.cell.Store(snapshot)
	logger.Infof("new config: %+v", snapshot)

	w.WriteHeader(http.StatusNoContent)
}
