package agentproto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/zapdrip/zapdrip/internal/ingest"
	"github.com/zapdrip/zapdrip/internal/models"
	"github.com/zapdrip/zapdrip/internal/relay"
)

// Message types understood by the coordinator channel.
const (
	TypeScheduleCampaign        = "SCHEDULE_CAMPAIGN"
	TypeCancelScheduledCampaign = "CANCEL_SCHEDULED_CAMPAIGN"
	TypeCampaignCreate          = "CAMPAIGN_API_CREATE"
	TypeMemoryPush              = "MEMORY_PUSH"
)

// Message is one coordinator request.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler processes one message payload and returns the response body.
type Handler func(ctx context.Context, payload json.RawMessage) (map[string]any, error)

// Scheduler is the subset of the wake scheduler the protocol needs.
type Scheduler interface {
	Schedule(ctx context.Context, jobID int64, fireAt time.Time) (time.Duration, error)
	Cancel(jobID int64) (bool, error)
}

// Router maps message types to handlers. Every response carries the
// ok envelope: {ok:true, ...} on success, {ok:false, error} on failure.
type Router struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

// New builds the router with the standard handler table.
func New(svc *ingest.Service, sched Scheduler, rel *relay.Relay, logger *slog.Logger) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "agentproto"),
	}
	r.handlers[TypeScheduleCampaign] = r.handleSchedule(sched)
	r.handlers[TypeCancelScheduledCampaign] = r.handleCancel(sched)
	r.handlers[TypeCampaignCreate] = r.handleCreate(svc)
	r.handlers[TypeMemoryPush] = r.handleMemoryPush(rel)
	return r
}

// Register adds or replaces a handler for a message type.
func (r *Router) Register(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// Dispatch routes one message. Unknown types are acknowledged rather
// than rejected so older coordinators can speak newer dialects.
func (r *Router) Dispatch(ctx context.Context, msg *Message) map[string]any {
	h, ok := r.handlers[msg.Type]
	if !ok {
		r.logger.Warn("unknown message type", "type", msg.Type)
		return map[string]any{"ok": true, "unknownType": msg.Type}
	}

	result, err := h(ctx, msg.Payload)
	if err != nil {
		r.logger.Warn("message handling failed", "type", msg.Type, "error", err)
		return map[string]any{"ok": false, "error": err.Error()}
	}

	resp := map[string]any{"ok": true}
	for k, v := range result {
		resp[k] = v
	}
	return resp
}

type schedulePayload struct {
	JobID  int64  `json:"jobId"`
	FireAt string `json:"fireAt"`
}

func (r *Router) handleSchedule(sched Scheduler) Handler {
	return func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		var p schedulePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("bad payload: %w", err)
		}
		if p.JobID <= 0 {
			return nil, fmt.Errorf("missing jobId")
		}
		fireAt, err := time.Parse(time.RFC3339, p.FireAt)
		if err != nil {
			return nil, fmt.Errorf("bad fireAt: %w", err)
		}

		delay, err := sched.Schedule(ctx, p.JobID, fireAt)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"scheduled":    true,
			"alarmName":    alarmName(p.JobID),
			"delayMinutes": delayMinutes(delay),
		}, nil
	}
}

type cancelPayload struct {
	JobID int64 `json:"jobId"`
}

func (r *Router) handleCancel(sched Scheduler) Handler {
	return func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		var p cancelPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("bad payload: %w", err)
		}
		cancelled, err := sched.Cancel(p.JobID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": cancelled}, nil
	}
}

func (r *Router) handleCreate(svc *ingest.Service) Handler {
	return func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		var req ingest.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("bad payload: %w", err)
		}
		job, err := svc.Create(&req)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"data": map[string]any{
				"jobId":           job.ID,
				"totalRecipients": job.TotalRecipients,
				"status":          job.Status,
			},
		}, nil
	}
}

type memoryPushPayload struct {
	Type    string          `json:"type"`
	JobID   int64           `json:"jobId,omitempty"`
	Phone   string          `json:"phone,omitempty"`
	Detail  string          `json:"detail,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (r *Router) handleMemoryPush(rel *relay.Relay) Handler {
	return func(ctx context.Context, payload json.RawMessage) (map[string]any, error) {
		var p memoryPushPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("bad payload: %w", err)
		}
		if p.Type == "" {
			p.Type = models.EventSent
		}

		ev := &models.Event{
			Type:    p.Type,
			JobID:   p.JobID,
			Phone:   p.Phone,
			Detail:  p.Detail,
			Payload: p.Payload,
		}
		if err := rel.Enqueue(ev); err != nil {
			return nil, err
		}

		if rel.Enabled() {
			if err := rel.Flush(ctx); err == nil {
				return map[string]any{"flushed": true}, nil
			}
		}
		return map[string]any{"queued": true}, nil
	}
}

func alarmName(jobID int64) string {
	return fmt.Sprintf("campaign_%d", jobID)
}

// delayMinutes reports the timer delay in whole minutes, floored at 0.1
// so an immediate fire never reads as zero.
func delayMinutes(d time.Duration) float64 {
	minutes := math.Ceil(float64(d.Milliseconds()) / 60000)
	if minutes < 0.1 {
		return 0.1
	}
	return minutes
}
