package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/config"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/metrics"
)

// Server represents the status HTTP server
type Server struct {
	config  *config.ServerConfig
	logger  *slog.Logger
	server  *http.Server
	handler *Handler
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.ServerConfig, logger *slog.Logger, handler *Handler, mux http.Handler) *Server {
	return &Server{
		config:  cfg,
		logger:  logger,
		handler: handler,
		server: &http.Server{
			Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:        mux,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
	}
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(l)
}

// Serve serves on an existing listener. It returns nil after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting HTTP server", slog.String("addr", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// SetupRoutes configures all HTTP routes using Go 1.22+ routing
func SetupRoutes(handler *Handler, m *metrics.Collector, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Apply middleware chain
	chain := func(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}

	commonMiddleware := []func(http.Handler) http.Handler{
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger, m),
		SecurityHeadersMiddleware(),
	}
	apiMiddleware := append(commonMiddleware, CompressionMiddleware())

	mux.Handle("GET /healthz", chain(http.HandlerFunc(handler.Health), commonMiddleware...))
	mux.Handle("GET /metrics", chain(m.Handler(), commonMiddleware...))

	mux.Handle("GET /api/signal", chain(http.HandlerFunc(handler.Signal), apiMiddleware...))
	mux.Handle("GET /api/recordings", chain(http.HandlerFunc(handler.RecordingList), apiMiddleware...))
	mux.Handle("GET /api/recordings/{uid}", chain(http.HandlerFunc(handler.RecordingInfo), apiMiddleware...))
	mux.Handle("GET /api/livetv", chain(http.HandlerFunc(handler.LiveTV), apiMiddleware...))
	mux.Handle("GET /api/space", chain(http.HandlerFunc(handler.DriveSpace), apiMiddleware...))
	mux.Handle("GET /api/channels", chain(http.HandlerFunc(handler.Channels), apiMiddleware...))
	mux.Handle("GET /api/guide", chain(http.HandlerFunc(handler.Guide), apiMiddleware...))

	return mux
}
