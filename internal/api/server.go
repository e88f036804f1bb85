// Package api is the REST surface over the engines. Organization and user
// identity are taken from headers set by the upstream gateway.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/ratelimit"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/streaming"
)

const (
	OrgHeader  = "X-Organization-ID"
	UserHeader = ratelimit.UserHeader
)

// Deps holds the server's collaborators. Scheduler, Limiter, Metrics and
// Ready are optional.
type Deps struct {
	Executions *engine.ExecutionEngine
	Jobs       *engine.JobEngine
	Workflows  *engine.WorkflowService
	Events     *engine.EventService
	Scheduler  *scheduler.Scheduler
	Hub        streaming.EventHub
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Recorder
	Ready      func(ctx context.Context) error
	Logger     *slog.Logger
}

// Server serves the REST API.
type Server struct {
	deps      Deps
	logger    *slog.Logger
	heartbeat time.Duration
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{deps: deps, logger: logging.OrDefault(deps.Logger), heartbeat: 15 * time.Second}
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Limiter != nil {
			opts := ratelimit.MiddlewareOptions{Logger: s.logger}
			if s.deps.Metrics != nil {
				opts.OnReject = s.deps.Metrics.RateLimited
			}
			r.Use(ratelimit.Middleware(s.deps.Limiter, opts))
		}
		r.Use(s.requireOrg)

		r.Post("/events", s.handleCreateEvent)
		r.Get("/events", s.handleListEvents)
		r.Get("/events/{id}", s.handleGetEvent)

		r.Post("/workflows", s.handleCreateWorkflow)
		r.Get("/workflows", s.handleListWorkflows)
		r.Route("/workflows/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Put("/", s.handleUpdateWorkflow)
			r.Post("/run", s.handleRunWorkflow)
			r.Get("/diagram", s.handleWorkflowDiagram)
		})

		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/executions/{id}/diagram", s.handleExecutionDiagram)
		r.Post("/executions/{id}/approval", s.handleApproval)

		r.Get("/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/jobs", s.handleCreateJob)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/jobs/{id}/result", s.handleGetJobResult)

			if s.deps.Scheduler != nil {
				r.Post("/schedules", s.handleCreateSchedule)
				r.Get("/schedules", s.handleListSchedules)
				r.Delete("/schedules/{id}", s.handleDeleteSchedule)
			}
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	body := map[string]any{"status": "ok"}
	if s.deps.Executions != nil {
		body["circuits"] = s.deps.Executions.Breakers().Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}
