// Package api provides the engine's HTTP surface: health, stats and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	types "github.com/sebas/sbcengine/api/types/v1"
	"github.com/sebas/sbcengine/internal/sbc/registry"
)

// Server provides the HTTP API for the call-leg engine (headless, API only)
type Server struct {
	addr       string
	httpServer *http.Server
	sessions   *registry.SessionRegistry
	calls      *registry.CallRegistry
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(port int, sessions *registry.SessionRegistry, calls *registry.CallRegistry, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:      fmt.Sprintf(":%d", port),
		sessions:  sessions,
		calls:     calls,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := types.StatsResponse{}
	if s.sessions != nil {
		resp.ActiveLegs = s.sessions.Count()
	}
	if s.calls != nil {
		resp.TrackedCalls = s.calls.Count()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode response", "error", err)
	}
}
