// Package api exposes usage and call metering over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/talktime/internal/calls"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds API server configuration
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// Server is the public API server.
type Server struct {
	config   Config
	calls    *calls.Manager
	verifier *TokenVerifier
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, manager *calls.Manager, verifier *TokenVerifier, logger zerolog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config:   cfg,
		calls:    manager,
		verifier: verifier,
		router:   mux.NewRouter(),
		logger:   logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	// Page-unload beacons cannot set headers, so this route authenticates
	// itself and always answers 202.
	s.router.HandleFunc("/v1/calls/{id}/unload", s.handleUnloadCall).Methods("POST")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(AuthMiddleware(s.verifier))

	v1.HandleFunc("/usage", s.handleGetUsage).Methods("GET")
	v1.HandleFunc("/usage/refresh", s.handleRefreshUsage).Methods("POST")
	v1.HandleFunc("/usage/consume", s.handleConsumeUsage).Methods("POST")
	v1.HandleFunc("/usage/can-start", s.handleCanStart).Methods("GET")

	v1.HandleFunc("/calls", s.handleStartCall).Methods("POST")
	v1.HandleFunc("/calls/{id}", s.handleGetCall).Methods("GET")
	v1.HandleFunc("/calls/{id}", s.handleStopCall).Methods("DELETE")
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Code    int      `json:"code"`
	Reasons []string `json:"reasons,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"active_calls": s.calls.ActiveTotal(),
	})
}
