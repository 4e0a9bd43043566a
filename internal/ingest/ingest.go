// Package ingest validates and normalizes campaign submissions into a
// durable job plus its per-recipient items, written in one transaction.
// It never dispatches: immediate jobs are picked up by the dispatch agent,
// scheduled ones are handed to the wake scheduler by the caller.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zapdrip/zapdrip/internal/models"
)

var (
	ErrEmptyMessage      = errors.New("message is required")
	ErrNoRecipients      = errors.New("no valid recipients")
	ErrBadSchedule       = errors.New("invalid scheduled_at format")
	ErrTooManyRecipients = errors.New("recipient limit exceeded")
)

// LimitError carries the attempted/allowed counts for a rejected submission.
type LimitError struct {
	Received   int
	MaxAllowed int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("recipient limit exceeded: received %d, max allowed %d", e.Received, e.MaxAllowed)
}

func (e *LimitError) Unwrap() error { return ErrTooManyRecipients }

// Request is a campaign submission as received from the producer boundary.
type Request struct {
	UserID          int64    `json:"user_id,omitempty"`
	Message         string   `json:"message"`
	Recipients      []string `json:"recipients"`
	BatchSize       int      `json:"batchSize,omitempty"`
	IntervalSeconds int      `json:"intervalSeconds,omitempty"`
	Name            string   `json:"name,omitempty"`
	DryRun          bool     `json:"dryRun,omitempty"`
	ScheduledAt     string   `json:"scheduled_at,omitempty"`
}

// JobStore is the slice of the queue store ingestion needs.
type JobStore interface {
	CreateWithItems(job *models.Job, phones []string) error
}

// Config holds ingestion limits and defaults.
type Config struct {
	MaxRecipients  int
	DefaultCountry string
}

// Service turns campaign requests into persisted jobs.
type Service struct {
	store  JobStore
	cfg    Config
	logger *slog.Logger
}

func New(store JobStore, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 1000
	}
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "55"
	}
	return &Service{store: store, cfg: cfg, logger: logger.With("component", "ingest")}
}

// Create validates req and writes the job with all its items atomically.
// Validation errors are returned to the caller; storage failures are logged
// with their cause and surfaced as a generic failure.
func (s *Service) Create(req *Request) (*models.Job, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if req.Recipients == nil {
		return nil, ErrNoRecipients
	}

	phones := s.normalizeRecipients(req.Recipients)
	if len(phones) == 0 {
		return nil, ErrNoRecipients
	}
	if len(phones) > s.cfg.MaxRecipients {
		return nil, &LimitError{Received: len(phones), MaxAllowed: s.cfg.MaxRecipients}
	}

	batchSize := clamp(req.BatchSize, 1, 200, 25)
	intervalSeconds := clamp(req.IntervalSeconds, 1, 600, 8)

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Campaign - " + time.Now().Format("2006-01-02 15:04")
	}

	var scheduledAt *time.Time
	if strings.TrimSpace(req.ScheduledAt) != "" {
		t, err := parseSchedule(req.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadSchedule, req.ScheduledAt)
		}
		scheduledAt = &t
	}

	job := &models.Job{
		UserID:      req.UserID,
		Name:        name,
		Message:     message,
		BatchSize:   batchSize,
		MinDelayMs:  intervalSeconds * 1000,
		MaxDelayMs:  intervalSeconds * 1000,
		DryRun:      req.DryRun,
		ScheduledAt: scheduledAt,
	}

	if err := s.store.CreateWithItems(job, phones); err != nil {
		s.logger.Error("failed to persist campaign", "name", name, "recipients", len(phones), "error", err)
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	s.logger.Info("campaign created", "job_id", job.ID, "recipients", job.TotalRecipients, "dry_run", job.DryRun, "scheduled", scheduledAt != nil)
	return job, nil
}

// normalizeRecipients maps raw entries to valid E.164 phones, dropping
// malformed ones and deduplicating while preserving first-seen order.
func (s *Service) normalizeRecipients(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	phones := make([]string, 0, len(raw))

	for _, r := range raw {
		phone := NormalizePhone(r, s.cfg.DefaultCountry)
		if phone == "" || !validE164(phone) {
			continue
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}
		phones = append(phones, phone)
	}

	return phones
}

// parseSchedule accepts RFC 3339 and the panel's local datetime formats.
func parseSchedule(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func clamp(v, min, max, fallback int) int {
	if v == 0 {
		v = fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
