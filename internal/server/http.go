// Package server exposes the capsule storage core's narrow administrative
// HTTP surface: liveness, stats, and on-demand garbage collection. No
// capsule bytes cross this surface — it is operability glue, not a protocol
// adapter.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/saworbit/space/internal/coordinator"
)

// Server wraps a Coordinator with the admin HTTP routes.
type Server struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// New builds an *http.Server bound to addr, serving the admin routes over
// coord.
func New(addr string, coord *coordinator.Coordinator, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{coord: coord, logger: logger}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", srv.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/gc", srv.handleGC).Methods(http.MethodPost)
	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthzResponse{Status: "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Stats())
}

type gcResponse struct {
	SegmentsReclaimed int    `json:"segments_reclaimed"`
	BytesFreed        uint64 `json:"bytes_freed"`
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	reclaimed, freed, err := s.coord.GC(r.Context())
	if err != nil {
		s.logger.Error("server: gc failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, gcResponse{SegmentsReclaimed: reclaimed, BytesFreed: freed})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("server: failed encoding response", zap.Error(err))
	}
}

// Shutdown is a thin convenience wrapper used by cmd/spaced to drain
// in-flight requests on signal.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
