// Package server implements the relay HTTP server: REST API, auth, metrics,
// and the WebSocket push endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/relay/config"
	"github.com/GoCodeAlone/relay/internal/telemetry"
	"github.com/GoCodeAlone/relay/server/api"
)

// Server is the relay HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	handlers *api.Handlers
	push     http.Handler
	metrics  *telemetry.Metrics

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string
}

// New creates a Server and registers its routes. push serves /ws; metrics
// may be nil, in which case /metrics is not mounted.
func New(cfg config.Config, h *api.Handlers, push http.Handler, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		logger:   logger,
		handlers: h,
		push:     push,
		metrics:  metrics,
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr), slog.Bool("auth", s.cfg.Auth.Enabled))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server. Hijacked WebSocket
// connections are not waited for; the hub closes them.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handlers.StatusHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	apiMux := http.NewServeMux()
	s.handlers.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	if !s.cfg.Auth.Enabled {
		s.mux.Handle("/api/", apiMux)
		if s.push != nil {
			s.mux.Handle("GET /ws", s.push)
		}
		return
	}

	// Protected API; the push endpoint also accepts ?token= since browsers
	// cannot set headers on a WebSocket upgrade.
	s.mux.Handle("/api/", s.authMiddleware(apiMux, false))
	if s.push != nil {
		s.mux.Handle("GET /ws", s.authMiddleware(s.push, true))
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
