// Package server provides the HTTP API for recall.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/hyperjump/recall/internal/config"
	"github.com/hyperjump/recall/internal/memory"
	"github.com/hyperjump/recall/internal/observability"
	"go.uber.org/zap"
)

// Server is the HTTP server for the recall API.
type Server struct {
	memories *memory.Manager
	config   *config.ServerConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server with the given dependencies. metrics may be nil.
func NewServer(
	memories *memory.Manager,
	cfg *config.ServerConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		memories: memories,
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are non-browser clients; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	// The websocket route stays outside the timeout and compression middleware.
	r.Get("/api/v1/agents/{agent}/ws", s.handleAgentWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.Compress(5))

		r.Get("/api/v1/agents", s.handleListAgents)
		r.Post("/api/v1/agents/{agent}/turns", s.handleAppendTurn)
		r.Get("/api/v1/agents/{agent}/turns", s.handleScanTurns)
		r.Post("/api/v1/agents/{agent}/retrieve", s.handleRetrieve)
		r.Post("/api/v1/agents/{agent}/index", s.handleBuildIndex)
		r.Get("/api/v1/agents/{agent}/status", s.handleStatus)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
