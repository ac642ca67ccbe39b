// Package api serves the dhcp6cd HTTP API and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/dhcp6c/pkg/dhcp"
	"github.com/psaab/dhcp6c/pkg/logging"
	"github.com/psaab/dhcp6c/pkg/statestore"
)

// Backend is the daemon side of the API. Every method may block until the
// protocol loop has served it.
type Backend interface {
	Sessions(ctx context.Context) ([]dhcp.SessionInfo, error)
	Renew(ctx context.Context, iface string) error
	Release(ctx context.Context, iface string) error
	Identifiers(ctx context.Context) ([]statestore.DUIDInfo, error)
	ClearIdentifier(ctx context.Context, iface string) error
}

// Config configures the API server.
type Config struct {
	Addr    string
	Auth    *AuthConfig // nil = no authentication
	Backend Backend
	Stats   *dhcp.Stats
	Events  *logging.EventBuffer
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	backend    Backend
	stats      *dhcp.Stats
	eventBuf   *logging.EventBuffer
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		backend:   cfg.Backend,
		stats:     cfg.Stats,
		eventBuf:  cfg.Events,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("POST /api/v1/sessions/{iface}/renew", s.renewHandler)
	mux.HandleFunc("POST /api/v1/sessions/{iface}/release", s.releaseHandler)
	mux.HandleFunc("GET /api/v1/statistics", s.statisticsHandler)
	mux.HandleFunc("GET /api/v1/identifiers", s.identifiersHandler)
	mux.HandleFunc("POST /api/v1/identifiers/{iface}/clear", s.clearIdentifierHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, authentication included.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
