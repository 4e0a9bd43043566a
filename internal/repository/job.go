package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zapdrip/zapdrip/internal/models"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateWithItems creates a job and one item per phone in a single
// transaction. The job row is never left behind without its items.
func (r *JobRepository) CreateWithItems(job *models.Job, phones []string) error {
	if len(phones) == 0 {
		return fmt.Errorf("job must have at least one recipient")
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	job.Status = models.JobQueued
	job.TotalRecipients = len(phones)
	job.CreatedAt = now
	job.UpdatedAt = now

	res, err := tx.Exec(`
		INSERT INTO bulk_jobs (user_id, name, message, total_recipients, batch_size, min_delay_ms, max_delay_ms, dry_run, status, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.UserID, job.Name, job.Message, job.TotalRecipients, job.BatchSize, job.MinDelayMs, job.MaxDelayMs, job.DryRun, job.Status, job.ScheduledAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	job.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get job id: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO bulk_job_items (job_id, phone, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, phone := range phones {
		payload, _ := json.Marshal(map[string]string{"to": phone, "text": job.Message})
		if _, err := stmt.Exec(job.ID, phone, string(payload), models.ItemPending, now); err != nil {
			return fmt.Errorf("failed to create item for %s: %w", phone, err)
		}
	}

	return tx.Commit()
}

// Claim atomically moves a queued job to processing. Returns false when the
// job is missing or already owned, so at most one dispatch agent can begin
// a given job.
func (r *JobRepository) Claim(jobID int64) (bool, error) {
	now := time.Now()
	res, err := r.db.Exec(`
		UPDATE bulk_jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.JobProcessing, now, now, jobID, models.JobQueued,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetByID returns a job by ID, nil when absent.
func (r *JobRepository) GetByID(id int64) (*models.Job, error) {
	job := &models.Job{}
	var scheduledAt, startedAt, finishedAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, user_id, name, message, total_recipients, batch_size, min_delay_ms, max_delay_ms, dry_run, status,
			scheduled_at, started_at, finished_at, created_at, updated_at
		FROM bulk_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.UserID, &job.Name, &job.Message, &job.TotalRecipients, &job.BatchSize,
		&job.MinDelayMs, &job.MaxDelayMs, &job.DryRun, &job.Status,
		&scheduledAt, &startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if scheduledAt.Valid {
		job.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}

	return job, nil
}

// List returns jobs with optional filtering
func (r *JobRepository) List(filter models.JobListFilter) ([]models.Job, int, error) {
	countQuery := "SELECT COUNT(*) FROM bulk_jobs WHERE 1=1"
	args := []any{}

	if filter.UserID > 0 {
		countQuery += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		countQuery += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, name, message, total_recipients, batch_size, min_delay_ms, max_delay_ms, dry_run, status,
			scheduled_at, started_at, finished_at, created_at, updated_at
		FROM bulk_jobs WHERE 1=1`

	args = []any{}
	if filter.UserID > 0 {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		var job models.Job
		var scheduledAt, startedAt, finishedAt sql.NullTime

		err := rows.Scan(&job.ID, &job.UserID, &job.Name, &job.Message, &job.TotalRecipients, &job.BatchSize,
			&job.MinDelayMs, &job.MaxDelayMs, &job.DryRun, &job.Status,
			&scheduledAt, &startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, 0, err
		}

		if scheduledAt.Valid {
			job.ScheduledAt = &scheduledAt.Time
		}
		if startedAt.Valid {
			job.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			job.FinishedAt = &finishedAt.Time
		}

		jobs = append(jobs, job)
	}

	return jobs, total, nil
}

// UpdateStatus updates job status. done and cancelled also record the
// finish time.
func (r *JobRepository) UpdateStatus(id int64, status string) error {
	now := time.Now()
	var finishedAt *time.Time

	switch status {
	case models.JobDone, models.JobCancelled:
		finishedAt = &now
	}

	_, err := r.db.Exec(`
		UPDATE bulk_jobs SET status = ?, finished_at = COALESCE(?, finished_at), updated_at = ?
		WHERE id = ?`,
		status, finishedAt, now, id,
	)
	return err
}

// Cancel marks a job cancelled unless it already reached a terminal state.
// Returns false when nothing was cancelled.
func (r *JobRepository) Cancel(id int64) (bool, error) {
	now := time.Now()
	res, err := r.db.Exec(`
		UPDATE bulk_jobs SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.JobCancelled, now, now, id, models.JobQueued, models.JobProcessing,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListItems returns job items with filtering
func (r *JobRepository) ListItems(filter models.JobItemFilter) ([]models.JobItem, int, error) {
	countQuery := "SELECT COUNT(*) FROM bulk_job_items WHERE job_id = ?"
	args := []any{filter.JobID}

	if filter.Status != "" {
		countQuery += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, job_id, phone, COALESCE(payload, ''), status, COALESCE(error, ''), sent_at, created_at
		FROM bulk_job_items WHERE job_id = ?`

	args = []any{filter.JobID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	// Creation order is dispatch order.
	query += " ORDER BY id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []models.JobItem{}
	for rows.Next() {
		var item models.JobItem
		var sentAt sql.NullTime

		err := rows.Scan(&item.ID, &item.JobID, &item.Phone, &item.Payload, &item.Status, &item.Error, &sentAt, &item.CreatedAt)
		if err != nil {
			return nil, 0, err
		}

		if sentAt.Valid {
			item.SentAt = &sentAt.Time
		}

		items = append(items, item)
	}

	return items, total, nil
}

// UpdateItemStatus records the terminal outcome of one item. Items already
// sent or failed are never reverted.
func (r *JobRepository) UpdateItemStatus(id int64, status, errorMsg string) error {
	now := time.Now()
	var sentAt *time.Time
	if status == models.ItemSent {
		sentAt = &now
	}

	_, err := r.db.Exec(`
		UPDATE bulk_job_items SET status = ?, error = ?, sent_at = ?
		WHERE id = ? AND status = ?`,
		status, errorMsg, sentAt, id, models.ItemPending,
	)
	return err
}

// GetStats returns aggregated stats for a job
func (r *JobRepository) GetStats(jobID int64) (models.JobStats, error) {
	var stats models.JobStats

	err := r.db.QueryRow(`
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END) as pending,
			SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END) as sent,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed
		FROM bulk_job_items WHERE job_id = ?`, jobID,
	).Scan(&stats.Total, &stats.Pending, &stats.Sent, &stats.Failed)

	return stats, err
}

// GetScheduledPending returns queued jobs that carry an activation time,
// ordered by it. Used by the wake scheduler at start-up to reconcile.
func (r *JobRepository) GetScheduledPending() ([]models.Job, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, name, message, total_recipients, batch_size, min_delay_ms, max_delay_ms, dry_run, status,
			scheduled_at, started_at, finished_at, created_at, updated_at
		FROM bulk_jobs
		WHERE status = ? AND scheduled_at IS NOT NULL
		ORDER BY scheduled_at`, models.JobQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		var job models.Job
		var scheduledAt, startedAt, finishedAt sql.NullTime

		err := rows.Scan(&job.ID, &job.UserID, &job.Name, &job.Message, &job.TotalRecipients, &job.BatchSize,
			&job.MinDelayMs, &job.MaxDelayMs, &job.DryRun, &job.Status,
			&scheduledAt, &startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, err
		}

		if scheduledAt.Valid {
			job.ScheduledAt = &scheduledAt.Time
		}
		if startedAt.Valid {
			job.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			job.FinishedAt = &finishedAt.Time
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

