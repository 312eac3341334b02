package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/me/tskmgr/internal/config"
	"github.com/me/tskmgr/internal/dispatch"
	"github.com/me/tskmgr/internal/store"
)

// Server is the tskmgr REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	engine    *dispatch.Engine
	upgrader  websocket.Upgrader

	// eventPing is the keepalive interval of event streams.
	eventPing time.Duration
}

// Option configures optional Server settings.
type Option func(*Server)

// WithEventPing sets the keepalive interval of run event streams.
func WithEventPing(d time.Duration) Option {
	return func(s *Server) {
		s.eventPing = d
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, engine *dispatch.Engine, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		engine:    engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Event streams are read-only and carry no credentials.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		eventPing: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Runs
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Put("/close", s.handleCloseRun)
				r.Put("/abort", s.handleAbortRun)
				r.Get("/events", s.handleRunEvents)
				// Tasks nested under runs
				r.Route("/tasks", func(r chi.Router) {
					r.Get("/", s.handleListTasks)
					r.Post("/", s.handleCreateTasks)
					r.Put("/claim", s.handleClaimTask)
				})
			})
		})

		// Server-Sent Events mirror of /runs/{id}/events
		r.Get("/sse/runs", s.handleAllRunsSSE)
		r.Get("/sse/runs/{id}", s.handleRunSSE)

		// Task outcomes reported by runners
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Put("/complete", s.handleCompleteTask)
			r.Put("/fail", s.handleFailTask)
		})
	})
}
