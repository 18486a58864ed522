// Package gateway provides the HTTP gateway server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"deckhand/internal/config"
	"deckhand/internal/gateway/handlers"
	"deckhand/internal/gateway/middleware"
	"deckhand/internal/gateway/websocket"
	"deckhand/internal/metrics"
	"deckhand/pkg/logger"
)

const limiterCleanupInterval = 5 * time.Minute

// SessionService is what the gateway needs from the coordinator.
type SessionService interface {
	handlers.SessionController
	handlers.SessionCounter
}

// Server represents the HTTP gateway server.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	hub         *websocket.Hub
	config      *config.Config
	sessions    SessionService
	history     handlers.HistoryStore
	rateLimiter *middleware.RateLimiter
	version     string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer creates a new gateway server. history may be nil when the ledger
// is disabled.
func NewServer(cfg *config.Config, hub *websocket.Hub, sessions SessionService, history handlers.HistoryStore) *Server {
	router := mux.NewRouter()

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Enabled:           cfg.Gateway.RateLimit.Enabled,
		RequestsPerSecond: cfg.Gateway.RateLimit.RequestsPerSecond,
		Burst:             cfg.Gateway.RateLimit.Burst,
	})

	// Apply middleware chain: Recovery -> Logging -> CORS -> RateLimit
	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(cfg.Gateway.AllowedOrigins)(
				rateLimiter.RateLimit(router),
			),
		),
	)

	s := &Server{
		httpServer: &http.Server{
			Handler:     handler,
			ReadTimeout: 60 * time.Second,
			// chunks stream over /ws, so writes have no deadline here
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		router:      router,
		hub:         hub,
		config:      cfg,
		sessions:    sessions,
		history:     history,
		rateLimiter: rateLimiter,
		version:     "dev",
		stopCh:      make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the server routes.
func (s *Server) setupRoutes() {
	if s.config.Metrics.Enabled {
		// route-level so the recorded path is the route template
		s.router.Use(metrics.Middleware)
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, metrics.Handler()).Methods("GET")
	}

	var clients func() int
	if s.hub != nil {
		clients = s.hub.ClientCount
	}
	var counter handlers.SessionCounter
	if s.sessions != nil {
		counter = s.sessions
	}
	s.router.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		handlers.HealthHandler(s.version, counter, clients)(w, r)
	}).Methods("GET")

	if s.sessions != nil {
		handlers.NewSessionsHandler(s.sessions, s.history).RegisterRoutes(s.router)
	}

	if s.hub != nil {
		s.router.Handle("/ws", websocket.Handler(s.hub, s.config.Gateway.AllowedOrigins))
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := s.config.Gateway.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	handlers.InitStartTime()
	s.httpServer.Addr = ln.Addr().String()

	go s.cleanupLimiter()

	logger.Info().
		Str("addr", s.httpServer.Addr).
		Msg("Starting gateway server")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) cleanupLimiter() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.rateLimiter.Cleanup(); n > 0 {
				logger.Debug().Int("removed", n).Msg("Dropped idle rate limiters")
			}
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")
	s.stopOnce.Do(func() { close(s.stopCh) })

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// SetVersion sets the build version reported by the health endpoint. Call
// it before Serve.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Handler returns the root handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
