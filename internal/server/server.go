// Package server wires the hub's HTTP surface: the websocket upgrade
// endpoint, health/stats introspection, and the Prometheus metrics
// endpoint, adapted from odin-ws-server/internal/server's handler layout
// and graceful shutdown sequence.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/littlebee/basic-bot/internal/config"
	"github.com/littlebee/basic-bot/internal/metrics"
	"github.com/littlebee/basic-bot/pkg/hub"
	"github.com/littlebee/basic-bot/pkg/peer"
)

// Server owns the HTTP listener and the long-lived background goroutines
// it fronts: the hub dispatcher, the system metrics sampler, and the
// outbound client pool.
type Server struct {
	cfg    *config.Config
	hub    *hub.Hub
	peers  *peer.Pool
	sysMet *metrics.SystemMetrics
	logger *zap.Logger

	httpServer *http.Server

	sysMetStop chan struct{}
}

// New builds a Server ready to Start. h and peers are already constructed
// (by cmd/centralhub) so tests can stand up a Server against a hub
// without going through config.Load.
func New(cfg *config.Config, h *hub.Hub, peers *peer.Pool, logger *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		hub:        h,
		peers:      peers,
		sysMet:     metrics.NewSystemMetrics(),
		logger:     logger,
		sysMetStop: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/metrics/system", s.handleSystemMetrics)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	hub.ServeWS(s.hub, w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"environment": s.cfg.Environment,
		"hub":         s.hub.Stats(),
	}
	writeJSON(w, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	if s.peers != nil {
		stats["outbound_peers"] = s.peers.Stats()
	}
	writeJSON(w, stats)
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sysMet.Snapshot())
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}

// Start runs the hub dispatcher, the outbound client pool, the system
// metrics sampler, and the HTTP listener, blocking until the listener
// stops (on Shutdown, or a fatal listen error).
func (s *Server) Start() error {
	go s.hub.Run()
	if s.peers != nil {
		s.peers.Start()
	}
	go s.sysMet.Run(s.sysMetStop, 5*time.Second)

	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener, the outbound client pool, the system
// metrics sampler, and finally the hub dispatcher, in that order so
// in-flight requests and peer connections wind down before the
// dispatcher they depend on disappears.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("shutting down")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown", zap.Error(err))
	}
	if s.peers != nil {
		s.peers.Stop()
	}
	close(s.sysMetStop)
	s.hub.Shutdown(ctx)
}
