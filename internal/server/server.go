package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/logging"
	"github.com/me/obsched/internal/observatory"
	"github.com/me/obsched/internal/scheduler"
	"github.com/me/obsched/internal/store"
	"github.com/me/obsched/pkg/model"
)

// Version is reported by /health.
const Version = "0.1.0"

// Scheduler is the part of the controller the API drives.
type Scheduler interface {
	Start() error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	Status() model.SchedulerStatus
	Subscribe(ctx context.Context) <-chan scheduler.StatusEvent

	Jobs() []*model.Job
	Job(id string) *model.Job
	AddJob(job *model.Job) error
	RemoveJob(id string) error
	ResetJob(id string) error
}

var _ Scheduler = (*scheduler.Controller)(nil)

// Observatory reports the aggregated observatory status.
type Observatory interface {
	Status() observatory.Status
}

// Server is the obsched REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	sched     Scheduler
	store     store.Store        // optional; run history and persisted journal
	journal   *logging.Journal   // optional; in-memory journal when there is no store
	obs       Observatory        // optional
	onChange  func([]*model.Job) // optional; called after the job list is edited
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore sets the store used for run history and the journal.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithJournal sets the in-memory journal served when no store is configured.
func WithJournal(j *logging.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithObservatory exposes the observatory aggregator at /observatory.
func WithObservatory(o Observatory) Option {
	return func(s *Server) { s.obs = o }
}

// WithJobsChanged registers fn, called with the new job list after every
// successful edit through the API.
func WithJobsChanged(fn func([]*model.Job)) Option {
	return func(s *Server) { s.onChange = fn }
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, sched Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		sched:     sched,
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

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleDeleteJob)
				r.Post("/reset", s.handleResetJob)
				r.Get("/history", s.handleJobHistory)
			})
		})

		r.Get("/journal", s.handleJournal)
		r.Get("/observatory", s.handleObservatory)

		r.Route("/sse", func(r chi.Router) {
			r.Get("/status", s.handleSSEStatus)
		})
	})
}

func (s *Server) jobsChanged() {
	if s.onChange != nil {
		s.onChange(s.sched.Jobs())
	}
}
