package models

import "time"

// Job statuses. A job only ever moves forward:
// queued -> processing -> done, or queued/processing -> cancelled.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobDone       = "done"
	JobCancelled  = "cancelled"
)

// Item statuses. pending is the only non-terminal state.
const (
	ItemPending = "pending"
	ItemSent    = "sent"
	ItemFailed  = "failed"
)

// Job represents one bulk campaign submission.
type Job struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	Name            string     `json:"name"`
	Message         string     `json:"message"`
	TotalRecipients int        `json:"total_recipients"`
	BatchSize       int        `json:"batch_size"`
	MinDelayMs      int        `json:"min_delay_ms"`
	MaxDelayMs      int        `json:"max_delay_ms"`
	DryRun          bool       `json:"dry_run"`
	Status          string     `json:"status"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobItem represents a single recipient within a job.
type JobItem struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Phone     string    `json:"phone"` // E.164
	Payload   string    `json:"payload"` // JSON, kept for audit/debug
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStats holds aggregated per-job item counts.
type JobStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// JobListFilter for filtering jobs
type JobListFilter struct {
	UserID int64
	Status string
	Limit  int
	Offset int
}

// JobItemFilter for filtering items within a job
type JobItemFilter struct {
	JobID  int64
	Status string
	Limit  int
	Offset int
}
