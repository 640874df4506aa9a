package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/taskgraph/internal/metrics"
	"github.com/me/taskgraph/internal/parser"
	"github.com/me/taskgraph/internal/runner"
	"github.com/me/taskgraph/internal/store"
	"github.com/me/taskgraph/pkg/model"
)

// Version is reported by the health and discovery endpoints.
const Version = "0.1.0"

// CheckpointSource is the read side of a checkpoint store.
type CheckpointSource interface {
	List(ctx context.Context) ([]model.CheckpointMetadata, error)
	Load(ctx context.Context, id string) (*model.Checkpoint, error)
}

// Server is the taskgraph REST API server. It exposes run history and
// checkpoints read-only and validates workflow documents.
type Server struct {
	router      chi.Router
	logger      *slog.Logger
	startTime   time.Time
	parser      *parser.Parser
	history     store.Store         // optional
	checkpoints CheckpointSource    // optional
	registry    *runner.Registry    // optional; validation also binds workers when set
	metrics     *metrics.Prometheus // optional; served on /metrics
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithHistory sets the run history store behind /runs.
func WithHistory(st store.Store) Option {
	return func(s *Server) {
		s.history = st
	}
}

// WithCheckpoints sets the checkpoint store behind /checkpoints.
func WithCheckpoints(src CheckpointSource) Option {
	return func(s *Server) {
		s.checkpoints = src
	}
}

// WithRegistry makes workflow validation report unknown workers.
func WithRegistry(reg *runner.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithMetrics serves p on /metrics.
func WithMetrics(p *metrics.Prometheus) Option {
	return func(s *Server) {
		s.metrics = p
	}
}

// New creates a new Server with all routes registered.
func New(logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		parser:    parser.New(logger),
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

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Post("/workflows/validate", s.handleValidateWorkflow)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
		})

		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", s.handleListCheckpoints)
			r.Get("/{id}", s.handleGetCheckpoint)
		})
	})
}
