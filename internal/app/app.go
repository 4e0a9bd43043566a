package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zapdrip/zapdrip/internal/agentproto"
	"github.com/zapdrip/zapdrip/internal/api"
	"github.com/zapdrip/zapdrip/internal/config"
	"github.com/zapdrip/zapdrip/internal/db"
	"github.com/zapdrip/zapdrip/internal/dispatch"
	"github.com/zapdrip/zapdrip/internal/ingest"
	"github.com/zapdrip/zapdrip/internal/metrics"
	"github.com/zapdrip/zapdrip/internal/pacing"
	"github.com/zapdrip/zapdrip/internal/persona"
	"github.com/zapdrip/zapdrip/internal/relay"
	"github.com/zapdrip/zapdrip/internal/repository"
	"github.com/zapdrip/zapdrip/internal/statestore"
	"github.com/zapdrip/zapdrip/internal/surface"
	"github.com/zapdrip/zapdrip/internal/wake"
)

// App is the main application
type App struct {
	config        *config.Config
	database      *db.DB
	state         *statestore.Store
	jobs          *repository.JobRepository
	agent         *dispatch.Agent
	sched         *wake.Scheduler
	relay         *relay.Relay
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Storage.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate queue store: %w", err)
	}

	state, err := statestore.New(cfg.Storage.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	jobs := repository.NewJobRepository(database.DB)

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"))
	}

	clock := clockwork.NewRealClock()
	governor := pacing.New(cfg.Pacing, clock, nil)

	var surf surface.Surface
	switch cfg.Surface.Mode {
	case config.SurfaceGateway:
		surf = surface.NewGateway(cfg.Surface.GatewayURL, cfg.Surface.GatewayKey)
		logger.Info("using gateway surface", "url", cfg.Surface.GatewayURL)
	default:
		surf = surface.NewSimulator(logger.With("component", "simulator"))
		logger.Info("using simulator surface, no real messages will be sent")
	}

	var personalizer persona.Personalizer = &persona.Static{Vars: cfg.Persona.Vars}
	if cfg.Persona.BaseURL != "" {
		personalizer = persona.NewRemote(cfg.Persona.BaseURL, cfg.Persona.Secret, personalizer)
		logger.Info("remote persona service enabled", "url", cfg.Persona.BaseURL)
	}

	rel := relay.New(state, cfg.Relay, m, logger.With("component", "relay"))

	agent := dispatch.New(dispatch.Deps{
		Jobs:     jobs,
		State:    state,
		Governor: governor,
		Surface:  surf,
		Persona:  personalizer,
		Relay:    rel,
		Metrics:  m,
		Logger:   logger,
		Clock:    clock,
	})

	sched := wake.New(state, jobs, agent, surf, m, clock, logger.With("component", "wake"))

	svc := ingest.New(jobs, ingest.Config{
		MaxRecipients:  cfg.Ingest.MaxRecipients,
		DefaultCountry: cfg.Ingest.DefaultCountry,
	}, logger.With("component", "ingest"))

	proto := agentproto.New(svc, sched, rel, logger.With("component", "agentproto"))

	apiServer := api.NewServer(api.Config{
		ListenAddr: cfg.API.ListenAddr,
		ProxyKey:   cfg.API.ProxyKey,
	}, api.Deps{
		Ingest:  svc,
		Jobs:    jobs,
		Agent:   agent,
		Sched:   sched,
		Proto:   proto,
		State:   state,
		Metrics: m,
	}, logger.With("component", "api"))

	return &App{
		config:        cfg,
		database:      database,
		state:         state,
		jobs:          jobs,
		agent:         agent,
		sched:         sched,
		relay:         rel,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		logger:        logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting zapdrip",
		"api_addr", a.config.API.ListenAddr,
		"surface", a.config.Surface.Mode,
		"queue_path", a.config.Storage.QueuePath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Pick up where a crash left off before accepting new work.
	if err := a.agent.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume interrupted runs: %w", err)
	}
	if err := a.sched.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile wakes: %w", err)
	}
	if err := a.armOrphanedSchedules(ctx); err != nil {
		return fmt.Errorf("failed to arm scheduled campaigns: %w", err)
	}

	go a.relay.Run(ctx)

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// armOrphanedSchedules arms wakes for scheduled campaigns that lost
// their wake record, for example when the state store was wiped while
// the queue store survived.
func (a *App) armOrphanedSchedules(ctx context.Context) error {
	scheduled, err := a.jobs.GetScheduledPending()
	if err != nil {
		return err
	}

	for _, job := range scheduled {
		w, err := a.state.GetWake(job.ID)
		if err != nil {
			return err
		}
		if w != nil {
			continue
		}
		a.logger.Warn("re-arming wake for scheduled campaign", "job_id", job.ID, "fire_at", job.ScheduledAt)
		if _, err := a.sched.Schedule(ctx, job.ID, *job.ScheduledAt); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.sched.Stop()

	// Last chance to drain queued telemetry.
	if a.relay.Enabled() {
		if err := a.relay.Flush(shutdownCtx); err != nil {
			a.logger.Warn("final telemetry flush failed", "error", err)
		}
	}

	if err := a.state.Close(); err != nil {
		a.logger.Error("state store close error", "error", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("queue store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
