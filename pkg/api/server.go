// Package api serves the update ingress, the SSE and websocket egress
// endpoints and the health document.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/tcmartin/n8nstream/pkg/config"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/middleware"
	"github.com/tcmartin/n8nstream/pkg/store"
)

// Server represents the HTTP API server
type Server struct {
	config   *config.Config
	router   *mux.Router
	server   *http.Server
	store    *store.Store
	logger   logging.Logger
	validate *validator.Validate
	origins  *middleware.OriginPolicy
	ws       *WebSocketManager

	// keepAlive is the ping interval shared by both egress transports
	keepAlive time.Duration

	// now is swapped in tests
	now func() time.Time
}

// defaultKeepAlive applies when the configured interval is unset
const defaultKeepAlive = 30 * time.Second

// NewServer creates a new API server around st
func NewServer(cfg *config.Config, st *store.Store, logger logging.Logger) *Server {
	keepAlive := cfg.Streaming.KeepAliveInterval.Duration
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	origins := middleware.NewOriginPolicy(cfg.AllowedOrigins(), logger)
	s := &Server{
		config:   cfg,
		router:   mux.NewRouter(),
		store:    st,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		origins:  origins,
		now:      time.Now,

		keepAlive: keepAlive,
	}
	s.ws = NewWebSocketManager(st, origins, keepAlive, logger)

	s.setupRoutes()
	return s
}

// Handler returns the routed handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// WebSockets returns the websocket egress manager
func (s *Server) WebSockets() *WebSocketManager {
	return s.ws
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.config.ListenAddr()
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Streams stay open indefinitely; sinks set per-write deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", logging.F("addr", addr))

	err := s.server.ListenAndServe()

	// If the server was shut down gracefully, this error is expected
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	ingress := http.Handler(http.HandlerFunc(s.handleStreamUpdate))
	if limit := s.config.Server.IngressRateLimit; limit > 0 {
		ingress = middleware.NewRateLimiter(limit, time.Minute).Handler(s.logger)(ingress)
	}

	api.Handle("/stream-update", ingress).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/stream/replay", s.handleReplay).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/stream/{executionId}", s.handleStream).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/ws/{executionId}", s.ws.HandleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	api.Use(s.origins.Handler)
	s.router.Use(middleware.RequestLogger(s.logger))
}
