// Package server exposes the prediction registry over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/logger"
	"github.com/raaihank/ad-sentinel/internal/predictor"
	"github.com/raaihank/ad-sentinel/internal/web"
	"github.com/raaihank/ad-sentinel/internal/websocket"
	"go.uber.org/zap"
)

// Server serves predictions and streams prediction events
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	registry *predictor.Registry
	limiter  *RateLimiter
	router   *mux.Router
	server   *http.Server
	wsHub    *websocket.Hub
	started  time.Time
}

// New creates a server around a loaded registry
func New(cfg *config.Config, registry *predictor.Registry, log *logger.Logger) *Server {
	s := &Server{
		config:   cfg,
		logger:   log.WithComponent("server"),
		registry: registry,
		limiter:  NewRateLimiter(cfg.Server.RateLimit),
		router:   mux.NewRouter(),
		wsHub:    websocket.NewHub(cfg.WebSocket, log.WithComponent("websocket").Logger),
		started:  time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
		s.router.HandleFunc("/dashboard", web.Dashboard(s.config.WebSocket.Path)).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/classifiers", s.handleClassifiers).Methods(http.MethodGet)
	api.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	api.HandleFunc("/known-values", s.handleKnownValues).Methods(http.MethodPost)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub for broadcasting events
func (s *Server) Hub() *websocket.Hub {
	return s.wsHub
}

// Start runs the hub and the limiter cleanup, then serves until Stop
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting prediction server",
		zap.Int("port", s.config.Server.Port),
		zap.Int("units", s.registry.Len()),
		zap.String("general_unit", s.registry.GeneralUnit()),
		zap.Bool("rate_limit", s.config.Server.RateLimit.Enabled),
	)

	go s.wsHub.Run(ctx)
	s.limiter.StartCleanupRoutine(ctx)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping prediction server")
	return s.server.Shutdown(ctx)
}

// NotifyReload tells connected clients that the served classifiers changed
func (s *Server) NotifyReload(reason string, knownAdded int) {
	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeReload,
		Timestamp: time.Now(),
		Data: websocket.ReloadEvent{
			Units:      s.registry.Len(),
			KnownAdded: knownAdded,
			Reason:     reason,
		},
	})
}
