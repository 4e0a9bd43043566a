package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zapdrip/zapdrip/internal/agentproto"
	"github.com/zapdrip/zapdrip/internal/ingest"
	"github.com/zapdrip/zapdrip/internal/metrics"
	"github.com/zapdrip/zapdrip/internal/repository"
	"github.com/zapdrip/zapdrip/internal/statestore"
)

// Config holds the HTTP API settings.
type Config struct {
	ListenAddr string
	// ProxyKey guards every /api/v1 route via the X-Proxy-Key header.
	// Empty disables authentication.
	ProxyKey string
}

// Dispatcher is the slice of the dispatch agent the API drives.
type Dispatcher interface {
	Start(ctx context.Context, jobID int64) error
	Pause(jobID int64) (bool, error)
	Unpause(jobID int64) (bool, error)
	Abort(jobID int64) (bool, error)
}

// Scheduler arms and disarms campaign wakes.
type Scheduler interface {
	Schedule(ctx context.Context, jobID int64, fireAt time.Time) (time.Duration, error)
	Cancel(jobID int64) (bool, error)
}

// Deps carries everything the server needs. All fields are required
// except Metrics, which may be nil.
type Deps struct {
	Ingest  *ingest.Service
	Jobs    *repository.JobRepository
	Agent   Dispatcher
	Sched   Scheduler
	Proto   *agentproto.Router
	State   *statestore.Store
	Metrics *metrics.Metrics
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware(s.deps.Metrics))
	s.router.Use(chimw.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/agent", s.handleAgent)
		r.Get("/runs", s.handleRuns)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Get("/items", s.handleCampaignItems)
				r.Post("/dispatch", s.handleDispatchCampaign)
				r.Post("/cancel", s.handleCancelCampaign)
				r.Post("/pause", s.handlePauseCampaign)
				r.Post("/unpause", s.handleUnpauseCampaign)
			})
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.cfg.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
