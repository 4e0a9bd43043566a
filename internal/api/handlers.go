package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zapdrip/zapdrip/internal/agentproto"
	"github.com/zapdrip/zapdrip/internal/dispatch"
	"github.com/zapdrip/zapdrip/internal/ingest"
	"github.com/zapdrip/zapdrip/internal/models"
)

const version = "0.1.0"

// handleCreateCampaign handles POST /api/v1/campaigns. A scheduled_at
// in the request arms a wake timer; otherwise the campaign stays
// queued until an explicit dispatch.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.deps.Ingest.Create(&req)
	if err != nil {
		var limitErr *ingest.LimitError
		switch {
		case errors.As(err, &limitErr),
			errors.Is(err, ingest.ErrEmptyMessage),
			errors.Is(err, ingest.ErrNoRecipients),
			errors.Is(err, ingest.ErrBadSchedule):
			s.sendError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("failed to create campaign", "error", err)
			s.sendError(w, http.StatusInternalServerError, "failed to create campaign")
		}
		return
	}

	fields := map[string]any{
		"jobId":           job.ID,
		"totalRecipients": job.TotalRecipients,
		"status":          job.Status,
	}

	if job.ScheduledAt != nil {
		delay, err := s.deps.Sched.Schedule(r.Context(), job.ID, *job.ScheduledAt)
		if err != nil {
			s.logger.Error("failed to schedule campaign", "job_id", job.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "campaign created but scheduling failed")
			return
		}
		fields["scheduledIn"] = delay.String()
	}

	s.logger.Info("campaign created via API",
		"job_id", job.ID,
		"recipients", job.TotalRecipients,
		"scheduled", job.ScheduledAt != nil,
	)

	s.sendOK(w, http.StatusCreated, fields)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := models.JobListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	jobs, total, err := s.deps.Jobs.List(filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}

	s.sendOK(w, http.StatusOK, map[string]any{
		"campaigns": jobs,
		"total":     total,
	})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	stats, err := s.deps.Jobs.GetStats(job.ID)
	if err != nil {
		s.logger.Error("failed to load campaign stats", "job_id", job.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load campaign stats")
		return
	}

	s.sendOK(w, http.StatusOK, map[string]any{
		"campaign": job,
		"stats":    stats,
	})
}

// handleCampaignItems handles GET /api/v1/campaigns/{id}/items
func (s *Server) handleCampaignItems(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	filter := models.JobItemFilter{
		JobID:  job.ID,
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	items, total, err := s.deps.Jobs.ListItems(filter)
	if err != nil {
		s.logger.Error("failed to list campaign items", "job_id", job.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list campaign items")
		return
	}

	s.sendOK(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	})
}

// handleDispatchCampaign handles POST /api/v1/campaigns/{id}/dispatch.
// The run outlives the request, so it detaches onto a background
// context and progresses through its own checkpoints.
func (s *Server) handleDispatchCampaign(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobQueued {
		s.sendError(w, http.StatusConflict, "campaign is not dispatchable in status "+job.Status)
		return
	}

	// Manual dispatch supersedes a pending wake.
	if _, err := s.deps.Sched.Cancel(job.ID); err != nil {
		s.logger.Warn("failed to cancel pending wake", "job_id", job.ID, "error", err)
	}

	go func(jobID int64) {
		err := s.deps.Agent.Start(context.Background(), jobID)
		if err != nil && !errors.Is(err, dispatch.ErrNotClaimable) && !errors.Is(err, context.Canceled) {
			s.logger.Error("dispatched run failed", "job_id", jobID, "error", err)
		}
	}(job.ID)

	s.sendOK(w, http.StatusAccepted, map[string]any{
		"jobId":  job.ID,
		"status": "dispatching",
	})
}

// handleCancelCampaign handles POST /api/v1/campaigns/{id}/cancel.
// Queued campaigns are cancelled in place, running ones get a
// cooperative abort observed at the next item boundary.
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	switch job.Status {
	case models.JobQueued:
		cancelled, err := s.deps.Jobs.Cancel(job.ID)
		if err != nil {
			s.logger.Error("failed to cancel campaign", "job_id", job.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "failed to cancel campaign")
			return
		}
		if !cancelled {
			s.sendError(w, http.StatusConflict, "campaign is no longer cancellable")
			return
		}
		if _, err := s.deps.Sched.Cancel(job.ID); err != nil {
			s.logger.Warn("failed to cancel pending wake", "job_id", job.ID, "error", err)
		}
		s.sendOK(w, http.StatusOK, map[string]any{
			"cancelled": true,
			"status":    models.JobCancelled,
		})

	case models.JobProcessing:
		if _, err := s.deps.Agent.Abort(job.ID); err != nil {
			s.logger.Error("failed to request abort", "job_id", job.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "failed to request abort")
			return
		}
		s.sendOK(w, http.StatusOK, map[string]any{
			"cancelled": true,
			"status":    "aborting",
		})

	default:
		s.sendError(w, http.StatusConflict, "campaign already finished with status "+job.Status)
	}
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.setRunFlag(w, r, true)
}

// handleUnpauseCampaign handles POST /api/v1/campaigns/{id}/unpause
func (s *Server) handleUnpauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.setRunFlag(w, r, false)
}

func (s *Server) setRunFlag(w http.ResponseWriter, r *http.Request, paused bool) {
	id, ok := jobID(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	var (
		found bool
		err   error
	)
	if paused {
		found, err = s.deps.Agent.Pause(id)
	} else {
		found, err = s.deps.Agent.Unpause(id)
	}
	if err != nil {
		s.logger.Error("failed to update pause flag", "job_id", id, "paused", paused, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to update pause flag")
		return
	}
	if !found {
		s.sendError(w, http.StatusNotFound, "no active run for campaign")
		return
	}

	s.sendOK(w, http.StatusOK, map[string]any{"paused": paused})
}

// handleRuns handles GET /api/v1/runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.State.ListRunRecords()
	if err != nil {
		s.logger.Error("failed to list run history", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list run history")
		return
	}

	s.sendOK(w, http.StatusOK, map[string]any{"runs": records})
}

// handleAgent handles POST /api/v1/agent. Responses always carry the
// ok envelope, including for unknown message types, so the caller
// never has to branch on HTTP status.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var msg agentproto.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid message body")
		return
	}

	resp := s.deps.Proto.Dispatch(r.Context(), &msg)
	s.sendJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

// loadJob resolves the {id} route param. It writes the error response
// itself and reports success through the bool.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id, ok := jobID(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid campaign id")
		return nil, false
	}

	job, err := s.deps.Jobs.GetByID(id)
	if err != nil {
		s.logger.Error("failed to load campaign", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load campaign")
		return nil, false
	}
	if job == nil {
		s.sendError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return job, true
}

func jobID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// sendOK sends a success envelope with extra fields merged in.
func (s *Server) sendOK(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	s.sendJSON(w, status, body)
}

// sendError sends an error envelope
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]any{"ok": false, "error": message})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
