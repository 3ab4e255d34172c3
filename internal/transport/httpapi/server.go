// Package httpapi exposes the runtime over HTTP: REST endpoints for the
// non-streaming commands, SSE for prompt streams and the event bus fan-out.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/amplifier-ai/runtime/internal/event"
	"github.com/amplifier-ai/runtime/internal/handler"
	"github.com/amplifier-ai/runtime/internal/logging"
)

// Config holds HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	EnableCORS  bool
	ReadTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        8765,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the HTTP transport.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	handler *handler.Handler
	bus     *event.Bus
	log     zerolog.Logger
}

// New creates the HTTP server around a command handler.
func New(cfg *Config, h *handler.Handler, bus *event.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		handler: h,
		bus:     bus,
		log:     logging.Component("http"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Router returns the underlying mux so additional transports (WebSocket,
// JSON-RPC) can mount their endpoints.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}

	s.httpSrv = &http.Server{
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// No write timeout: SSE connections are long-lived.
	}

	s.log.Info().Str("addr", s.Addr()).Msg("http server listening")
	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
