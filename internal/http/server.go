// Package http provides the HTTP server and API handlers for rtspserver.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nofearsk/rtspserver/internal/http/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int

	ReadTimeout time.Duration
	// WriteTimeout must comfortably exceed the stream startup timeout:
	// playlist requests block until the first segment exists.
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8000,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wires the Chi router, the Huma API layered on it, and the
// net/http server that carries both.
type Server struct {
	config ServerConfig
	router *chi.Mux
	api    huma.API
	http   *http.Server
	logger *slog.Logger
}

// NewServer assembles the middleware stack and the OpenAPI surface.
// version appears in the served OpenAPI document.
func NewServer(config ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := newRouter(logger)
	return &Server{
		config: config,
		router: router,
		api:    newAPI(router, version),
		logger: logger,
	}
}

// newRouter builds the shared middleware chain. Order matters: RealIP
// must rewrite RemoteAddr before ClientIP captures it, and the request
// ID must exist before anything logs.
func newRouter(logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.ClientIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())

	// TS segments are already-encoded video; gzipping them burns CPU
	// and delays segment delivery.
	r.Use(middleware.CompressExcept("/hls/", chimiddleware.Compress(5)))

	return r
}

func newAPI(router *chi.Mux, version string) huma.API {
	cfg := huma.DefaultConfig("rtspserver API", version)
	cfg.Info.Description = "RTSP to HLS gateway with on-demand stream supervision"
	cfg.DocsPath = "" // served by our own docs handler
	return humachi.New(router, cfg)
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API { return s.api }

// Router returns the Chi router. HLS delivery registers raw routes
// here, bypassing Huma.
func (s *Server) Router() *chi.Mux { return s.router }

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// ListenAndServe serves until ctx is cancelled, then drains active
// connections for at most ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("address", s.http.Addr))
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining http server: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}
