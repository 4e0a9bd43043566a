package models

import (
	"encoding/json"
	"time"
)

// Event types emitted by the dispatch agent into the relay.
const (
	EventSent  = "sent"
	EventError = "error"
)

// Event is one side-channel telemetry record queued for the remote collector.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	JobID    int64           `json:"job_id,omitempty"`
	Phone    string          `json:"phone,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

// RunRecord is a completed-campaign history entry.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	JobID      int64     `json:"job_id"`
	Message    string    `json:"message"` // truncated preview
	Stats      JobStats  `json:"stats"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Aborted    bool      `json:"aborted"`
}
