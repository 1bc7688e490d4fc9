// Package server exposes the orchestrator over HTTP: run submission, run
// history, subscription tokens, and the WebSocket status stream.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vibekit/vibekit/internal/runlog"
	"github.com/vibekit/vibekit/internal/runner"
	"github.com/vibekit/vibekit/internal/status"
)

// RunDispatcher accepts and tracks run executions.
type RunDispatcher interface {
	Submit(ctx context.Context, req runner.Request) error
	Execute(ctx context.Context, req runner.Request) (runner.Result, error)
	Cancel(logID string) bool
	ActiveCount() int
}

// RunLog reads persisted run history.
type RunLog interface {
	GetRun(logID string) (runlog.Run, error)
	ListRuns(filter runlog.RunFilter) ([]runlog.Run, error)
	ListEvents(logID string) ([]runlog.Event, error)
}

// Config holds server configuration.
type Config struct {
	// Dispatcher accepts run requests. Required for the run endpoints.
	Dispatcher RunDispatcher
	// Channel issues subscription tokens and feeds the WebSocket hub.
	Channel *status.Channel
	// Log serves run history. Optional; history endpoints 404 without it.
	Log RunLog
	// BaseCtx is the parent context for asynchronously submitted runs, so
	// they outlive the submitting HTTP request. Defaults to Background.
	BaseCtx context.Context
	Logger  *slog.Logger
}

// Server wraps the vibekit HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
	hub      *Hub
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:7791").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Hub returns the WebSocket hub, if one was configured.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) registerRoutes(cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx := cfg.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	api := &apiHandler{
		dispatcher: cfg.Dispatcher,
		channel:    cfg.Channel,
		log:        cfg.Log,
		baseCtx:    baseCtx,
		startAt:    time.Now(),
		logger:     logger,
	}

	s.mux.HandleFunc("GET /api/status", api.handleStatus)

	if cfg.Dispatcher != nil {
		s.mux.HandleFunc("POST /api/runs", api.handleSubmitRun)
		s.mux.HandleFunc("POST /api/runs/sync", api.handleRunSync)
		s.mux.HandleFunc("POST /api/runs/{log_id}/cancel", api.handleCancelRun)
	}
	if cfg.Log != nil {
		s.mux.HandleFunc("GET /api/runs", api.handleListRuns)
		s.mux.HandleFunc("GET /api/runs/{log_id}", api.handleGetRun)
		s.mux.HandleFunc("GET /api/runs/{log_id}/events", api.handleListRunEvents)
	}
	if cfg.Channel != nil {
		s.mux.HandleFunc("POST /api/subscriptions", api.handleCreateSubscription)
		s.hub = NewHub(cfg.Channel, logger)
		s.mux.HandleFunc("GET /api/ws", s.hub.ServeWS)
	}

	// Catch-all for unregistered /api/ routes — return 404.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}
