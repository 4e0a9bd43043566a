package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zapdrip/zapdrip/internal/dispatch"
	"github.com/zapdrip/zapdrip/internal/metrics"
	"github.com/zapdrip/zapdrip/internal/models"
	"github.com/zapdrip/zapdrip/internal/repository"
	"github.com/zapdrip/zapdrip/internal/statestore"
	"github.com/zapdrip/zapdrip/internal/surface"
)

// Timers never fire sooner than this, scheduling "now" still goes
// through a short settle delay.
const minDelay = 6 * time.Second

// Dispatcher starts a claimed campaign run.
type Dispatcher interface {
	Start(ctx context.Context, jobID int64) error
}

// Scheduler arms one timer per deferred job and persists the wake set
// so timers survive restarts.
type Scheduler struct {
	state   *statestore.Store
	jobs    *repository.JobRepository
	agent   Dispatcher
	surface surface.Surface
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	timers map[int64]clockwork.Timer
}

// New creates a wake scheduler.
func New(state *statestore.Store, jobs *repository.JobRepository, agent Dispatcher, surf surface.Surface, m *metrics.Metrics, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		state:   state,
		jobs:    jobs,
		agent:   agent,
		surface: surf,
		clock:   clock,
		metrics: m,
		logger:  logger.With("component", "wake"),
		timers:  make(map[int64]clockwork.Timer),
	}
}

// Schedule persists and arms a wake for the job. Re-scheduling an
// already armed job replaces the previous timer.
func (s *Scheduler) Schedule(ctx context.Context, jobID int64, fireAt time.Time) (time.Duration, error) {
	delay := fireAt.Sub(s.clock.Now())
	if delay < minDelay {
		delay = minDelay
	}

	if err := s.state.PutWake(jobID, fireAt); err != nil {
		return 0, fmt.Errorf("persist wake: %w", err)
	}

	s.arm(ctx, jobID, delay)
	s.logger.Info("wake scheduled", "job_id", jobID, "fire_at", fireAt, "delay", delay)
	return delay, nil
}

// Cancel disarms and removes a wake. Cancelling a job with no wake is
// not an error, it reports false.
func (s *Scheduler) Cancel(jobID int64) (bool, error) {
	s.mu.Lock()
	timer, armed := s.timers[jobID]
	if armed {
		timer.Stop()
		delete(s.timers, jobID)
	}
	s.metrics.SetScheduledWakes(len(s.timers))
	s.mu.Unlock()

	w, err := s.state.GetWake(jobID)
	if err != nil {
		return armed, err
	}
	if err := s.state.DeleteWake(jobID); err != nil {
		return armed, err
	}
	if armed || w != nil {
		s.logger.Info("wake cancelled", "job_id", jobID)
	}
	return armed || w != nil, nil
}

// Reconcile rebuilds timers from the persisted wake set after a
// restart. Future wakes are re-armed, past-due ones fire immediately.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	wakes, err := s.state.ListWakes()
	if err != nil {
		return fmt.Errorf("list wakes: %w", err)
	}

	now := s.clock.Now()
	for _, w := range wakes {
		if w.FireAt.After(now) {
			s.arm(ctx, w.JobID, w.FireAt.Sub(now))
			s.logger.Info("wake re-armed", "job_id", w.JobID, "fire_at", w.FireAt)
			continue
		}
		s.logger.Warn("wake past due after restart, firing now", "job_id", w.JobID, "fire_at", w.FireAt)
		go s.fire(ctx, w.JobID)
	}
	return nil
}

// Stop disarms all timers without touching the persisted wake set.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.metrics.SetScheduledWakes(0)
}

func (s *Scheduler) arm(ctx context.Context, jobID int64, delay time.Duration) {
	s.mu.Lock()
	if prev, ok := s.timers[jobID]; ok {
		prev.Stop()
	}
	timer := s.clock.NewTimer(delay)
	s.timers[jobID] = timer
	s.metrics.SetScheduledWakes(len(s.timers))
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.Chan():
			s.fire(ctx, jobID)
		}
	}()
}

func (s *Scheduler) fire(ctx context.Context, jobID int64) {
	s.mu.Lock()
	delete(s.timers, jobID)
	s.metrics.SetScheduledWakes(len(s.timers))
	s.mu.Unlock()

	job, err := s.jobs.GetByID(jobID)
	if err != nil {
		s.logger.Error("wake fired but job lookup failed, keeping wake", "job_id", jobID, "error", err)
		return
	}
	if job == nil || job.Status != models.JobQueued {
		s.logger.Info("wake fired for a job no longer queued, skipping", "job_id", jobID)
		if err := s.state.DeleteWake(jobID); err != nil {
			s.logger.Error("failed to remove stale wake", "job_id", jobID, "error", err)
		}
		return
	}

	// No live surface: keep the wake record so Reconcile can re-arm it.
	if !s.surface.Live(ctx) {
		s.logger.Warn("wake fired but surface is not live, leaving job queued", "job_id", jobID)
		return
	}

	if err := s.state.DeleteWake(jobID); err != nil {
		s.logger.Error("failed to remove fired wake", "job_id", jobID, "error", err)
	}

	s.logger.Info("wake fired, starting run", "job_id", jobID)
	if err := s.agent.Start(ctx, jobID); err != nil && !errors.Is(err, dispatch.ErrNotClaimable) && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled run failed", "job_id", jobID, "error", err)
	}
}
