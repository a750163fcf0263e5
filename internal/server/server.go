package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/docket/internal/agent"
	"github.com/me/docket/internal/config"
	"github.com/me/docket/internal/docket"
)

// Server is the docket REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	docket    *docket.Docket
	agents    *agent.Server // optional; nil when remote agents are disabled
	pollEvery time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithAgents mounts the agent websocket endpoint and agent listing.
func WithAgents(agents *agent.Server) Option {
	return func(s *Server) {
		s.agents = agents
	}
}

// WithStreamInterval sets how often run streams poll for changes.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pollEvery = d
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, d *docket.Docket, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		docket:    d,
		pollEvery: time.Second,
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

	// Agents authenticate with their own token and hold the connection open.
	if s.agents != nil {
		r.Handle("/agent", s.agents)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(loggingMiddleware(s.logger))

		// Discovery and health are open.
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(tokenAuthMiddleware(s.config.APIToken))

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.handleListJobs)
				r.Get("/*", s.handleGetJob)
			})

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handleListRuns)
				r.Post("/", s.handleScheduleRun)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRun)
					r.Get("/result", s.handleGetResult)
					r.Get("/output", s.handleGetOutput)
					r.Post("/rerun", s.handleRerun)
					r.Post("/signal", s.handleSignal)
					r.Post("/cancel", s.handleCancel)
				})
			})

			r.Get("/agents", s.handleListAgents)

			// SSE endpoints for real-time updates
			r.Get("/sse/runs/{id}", s.handleSSERun)
		})
	})
}
