package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zapdrip/zapdrip/internal/metrics"
	"github.com/zapdrip/zapdrip/internal/models"
	"github.com/zapdrip/zapdrip/internal/pacing"
	"github.com/zapdrip/zapdrip/internal/persona"
	"github.com/zapdrip/zapdrip/internal/relay"
	"github.com/zapdrip/zapdrip/internal/repository"
	"github.com/zapdrip/zapdrip/internal/statestore"
	"github.com/zapdrip/zapdrip/internal/surface"
)

// ErrNotClaimable means the job was already taken by another run or is
// not in a runnable state.
var ErrNotClaimable = errors.New("job cannot be claimed")

// How often an out-of-hours run re-checks the clock.
const humanHoursPoll = time.Minute

const previewLen = 80

// Deps carries everything a dispatch run needs. All collaborators are
// passed in explicitly so runs stay independently testable.
type Deps struct {
	Jobs      *repository.JobRepository
	State     *statestore.Store
	Governor  *pacing.Governor
	Surface   surface.Surface
	Simulator surface.Surface
	Persona   persona.Personalizer
	Relay     *relay.Relay
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     clockwork.Clock
}

// Agent executes campaign runs one item at a time, checkpointing after
// every item so a crash resumes instead of re-sending.
type Agent struct {
	deps Deps
}

// New creates a dispatch agent. Nil optional collaborators get inert
// defaults.
func New(deps Deps) *Agent {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Persona == nil {
		deps.Persona = &persona.Static{}
	}
	if deps.Simulator == nil {
		deps.Simulator = surface.NewSimulator(deps.Logger)
	}
	return &Agent{deps: deps}
}

// Start claims the job and runs it to completion. Claiming is a
// conditional status transition, so two concurrent starts for the same
// job cannot both succeed.
func (a *Agent) Start(ctx context.Context, jobID int64) error {
	claimed, err := a.deps.Jobs.Claim(jobID)
	if err != nil {
		return fmt.Errorf("claim job %d: %w", jobID, err)
	}
	if !claimed {
		return ErrNotClaimable
	}

	job, err := a.deps.Jobs.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("job %d disappeared after claim", jobID)
	}

	st := &statestore.RunState{
		JobID:     job.ID,
		RunID:     uuid.NewString(),
		StartedAt: a.deps.Clock.Now(),
	}
	if err := a.deps.State.SaveRunState(st); err != nil {
		return fmt.Errorf("persist run state: %w", err)
	}

	return a.run(ctx, job, st)
}

// Resume picks up runs interrupted by a crash. Each surviving
// checkpoint resumes at its saved index, items before it are never
// re-attempted.
func (a *Agent) Resume(ctx context.Context) error {
	states, err := a.deps.State.ListRunStates()
	if err != nil {
		return fmt.Errorf("list interrupted runs: %w", err)
	}

	for _, st := range states {
		job, err := a.deps.Jobs.GetByID(st.JobID)
		if err != nil {
			return err
		}
		if job == nil || job.Status != models.JobProcessing {
			// Stale checkpoint, the job finished or was removed.
			a.deps.State.DeleteRunState(st.JobID)
			continue
		}

		a.deps.Logger.Info("resuming interrupted run",
			"job_id", st.JobID, "run_id", st.RunID, "next_index", st.NextIndex)
		go func(job *models.Job, st *statestore.RunState) {
			if err := a.run(ctx, job, st); err != nil && !errors.Is(err, context.Canceled) {
				a.deps.Logger.Error("resumed run failed", "job_id", job.ID, "error", err)
			}
		}(job, st)
	}
	return nil
}

// Pause flags an active run. The loop observes the flag at the next
// item boundary.
func (a *Agent) Pause(jobID int64) (bool, error) {
	return a.deps.State.SetPaused(jobID, true)
}

// Unpause clears the pause flag.
func (a *Agent) Unpause(jobID int64) (bool, error) {
	return a.deps.State.SetPaused(jobID, false)
}

// Abort requests a cooperative stop of an active run.
func (a *Agent) Abort(jobID int64) (bool, error) {
	return a.deps.State.RequestAbort(jobID)
}

func (a *Agent) run(ctx context.Context, job *models.Job, st *statestore.RunState) error {
	logger := a.deps.Logger.With("component", "dispatch", "job_id", job.ID, "run_id", st.RunID)

	a.deps.Metrics.AddActiveRun(1)
	defer a.deps.Metrics.AddActiveRun(-1)

	surf := a.deps.Surface
	mode := "live"
	if job.DryRun {
		surf = a.deps.Simulator
		mode = "dry_run"
	}

	items, _, err := a.deps.Jobs.ListItems(models.JobItemFilter{JobID: job.ID})
	if err != nil {
		return fmt.Errorf("load items for job %d: %w", job.ID, err)
	}

	logger.Info("run started", "items", len(items), "from_index", st.NextIndex, "mode", mode)

	pausedLogged := false
	offHoursHold := false

	for i := st.NextIndex; i < len(items); {
		if ctx.Err() != nil {
			// Keep the checkpoint, the run resumes on next start.
			a.deps.State.Checkpoint(st)
			return ctx.Err()
		}

		// Pick up pause and abort flags written by the API.
		if cur, err := a.deps.State.GetRunState(job.ID); err == nil && cur != nil {
			st.Paused = cur.Paused
			st.Abort = cur.Abort
		}

		if st.Abort {
			return a.finishAborted(job, st, logger)
		}

		// Off-hours holds are persisted as a pause so the checkpoint
		// reflects the hold. The flag clears when hours resume.
		if !a.deps.Governor.IsHumanHour(a.deps.Clock.Now()) {
			if !offHoursHold {
				offHoursHold = true
				st.Paused = true
				a.deps.State.SetPaused(job.ID, true)
				a.deps.Metrics.IncHumanHoursHold()
				logger.Info("outside sending hours, holding")
			}
			if !a.wait(ctx, humanHoursPoll) {
				a.deps.State.Checkpoint(st)
				return ctx.Err()
			}
			continue
		}
		if offHoursHold {
			offHoursHold = false
			st.Paused = false
			a.deps.State.SetPaused(job.ID, false)
			logger.Info("sending hours resumed")
		}

		if st.Paused {
			if !pausedLogged {
				logger.Info("run paused")
				pausedLogged = true
			}
			if !a.wait(ctx, a.deps.Governor.PausePoll()) {
				a.deps.State.Checkpoint(st)
				return ctx.Err()
			}
			continue
		}
		if pausedLogged {
			logger.Info("run unpaused")
			pausedLogged = false
		}

		item := &items[i]
		if item.Status != models.ItemPending {
			i = a.advance(st, i)
			continue
		}

		if res := a.deps.Governor.Allow(); !res.Allowed {
			a.deps.Metrics.IncRateHold()
			logger.Info("hourly budget exhausted, backing off", "retry_in", res.RetryAfter)
			if !a.wait(ctx, res.RetryAfter) {
				a.deps.State.Checkpoint(st)
				return ctx.Err()
			}
			// Retry the same item after the backoff.
			continue
		}

		a.dispatchItem(ctx, job, item, st, surf, mode, logger)
		i = a.advance(st, i)

		if i < len(items) {
			if d, ok := a.deps.Governor.MaybeLongPause(); ok {
				a.deps.Metrics.IncLongPause()
				logger.Debug("taking a long pause", "duration", d)
				if !a.wait(ctx, d) {
					a.deps.State.Checkpoint(st)
					return ctx.Err()
				}
			}
			if !a.wait(ctx, a.deps.Governor.NextItemDelay(job)) {
				a.deps.State.Checkpoint(st)
				return ctx.Err()
			}
		}
	}

	return a.finishComplete(job, st, logger)
}

// dispatchItem sends one item. A failure is recorded on the item and
// never stops the run.
func (a *Agent) dispatchItem(ctx context.Context, job *models.Job, item *models.JobItem, st *statestore.RunState, surf surface.Surface, mode string, logger *slog.Logger) {
	text, err := a.deps.Persona.Personalize(ctx, item.Phone, job.Message)
	if err != nil {
		// Personalization never blocks a send.
		text = persona.Render(job.Message, map[string]string{"phone": item.Phone})
	}

	if err := surf.Send(ctx, item.Phone, text); err != nil {
		logger.Warn("item failed", "item_id", item.ID, "phone", item.Phone, "error", err)
		st.Failed++
		a.deps.Metrics.IncFailed("send")
		if uerr := a.deps.Jobs.UpdateItemStatus(item.ID, models.ItemFailed, err.Error()); uerr != nil {
			logger.Error("failed to record item failure", "item_id", item.ID, "error", uerr)
		}
		a.emit(&models.Event{
			Type:   models.EventError,
			JobID:  job.ID,
			Phone:  item.Phone,
			Detail: err.Error(),
		})
		return
	}

	st.Sent++
	a.deps.Governor.RecordSend()
	a.deps.Metrics.IncSent(mode)
	if uerr := a.deps.Jobs.UpdateItemStatus(item.ID, models.ItemSent, ""); uerr != nil {
		logger.Error("failed to record item success", "item_id", item.ID, "error", uerr)
	}
	ev := &models.Event{
		Type:  models.EventSent,
		JobID: job.ID,
		Phone: item.Phone,
	}
	if item.Payload != "" {
		ev.Payload = json.RawMessage(item.Payload)
	}
	a.emit(ev)
}

// advance moves the checkpoint past the current item.
func (a *Agent) advance(st *statestore.RunState, i int) int {
	i++
	st.NextIndex = i
	a.deps.State.Checkpoint(st)
	return i
}

func (a *Agent) finishComplete(job *models.Job, st *statestore.RunState, logger *slog.Logger) error {
	if err := a.deps.Jobs.UpdateStatus(job.ID, models.JobDone); err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	a.record(job, st, false)
	logger.Info("run completed", "sent", st.Sent, "failed", st.Failed)
	return nil
}

func (a *Agent) finishAborted(job *models.Job, st *statestore.RunState, logger *slog.Logger) error {
	a.deps.Metrics.IncRunAborted()
	if err := a.deps.Jobs.UpdateStatus(job.ID, models.JobCancelled); err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}
	a.record(job, st, true)
	logger.Info("run aborted", "sent", st.Sent, "failed", st.Failed, "next_index", st.NextIndex)
	return nil
}

// record clears the checkpoint and writes the run history entry.
func (a *Agent) record(job *models.Job, st *statestore.RunState, aborted bool) {
	if err := a.deps.State.DeleteRunState(job.ID); err != nil {
		a.deps.Logger.Error("failed to clear run state", "job_id", job.ID, "error", err)
	}

	stats, err := a.deps.Jobs.GetStats(job.ID)
	if err != nil {
		a.deps.Logger.Warn("failed to load job stats for run record", "job_id", job.ID, "error", err)
	}

	rec := &models.RunRecord{
		RunID:      st.RunID,
		JobID:      job.ID,
		Message:    preview(job.Message),
		Stats:      stats,
		StartedAt:  st.StartedAt,
		FinishedAt: a.deps.Clock.Now(),
		Aborted:    aborted,
	}
	if err := a.deps.State.AppendRunRecord(rec); err != nil {
		a.deps.Logger.Error("failed to append run record", "job_id", job.ID, "error", err)
	}
}

func (a *Agent) emit(ev *models.Event) {
	if a.deps.Relay == nil {
		return
	}
	if err := a.deps.Relay.Enqueue(ev); err != nil {
		a.deps.Logger.Warn("failed to queue telemetry event", "error", err)
	}
}

// wait sleeps for d, returning false when the context is cancelled.
func (a *Agent) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-a.deps.Clock.After(d):
		return true
	}
}

func preview(message string) string {
	if len(message) <= previewLen {
		return message
	}
	return message[:previewLen]
}
