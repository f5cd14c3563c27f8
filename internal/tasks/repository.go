// Package tasks provides the deduplicated side effects of the inbound
// pipeline: operator tasks keyed by an idempotency key, and outbound
// reply jobs keyed by their originating inbound event.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Task types raised by the pipeline.
const (
	TypeReplyDue    = "reply_due"
	TypeReplyFailed = "reply_failed"
	TypeFollowUp    = "follow_up"
)

const (
	TaskStatusOpen      = "open"
	TaskStatusCompleted = "completed"
)

// Outbound job states.
const (
	JobStatusPending    = "pending"
	JobStatusGenerating = "generating"
	JobStatusSent       = "sent"
	JobStatusFailed     = "failed"
	JobStatusSkipped    = "skipped"
)

var ErrJobNotFound = errors.New("outbound job not found")

type Task struct {
	ID             uuid.UUID
	LeadID         uuid.UUID
	TaskType       string
	Title          string
	Status         string
	DueAt          time.Time
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OutboundJob struct {
	ID             uuid.UUID
	InboundEventID uuid.UUID
	ConversationID uuid.UUID
	Status         string
	Draft          *string
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey derives the default dedup key for a task: one task of a
// type per lead per calendar day. Callers with finer-grained identity
// (per-document renewals and the like) pass their own key instead.
func IdempotencyKey(leadID uuid.UUID, taskType string, dueAt time.Time) string {
	return strings.Join([]string{
		leadID.String(), taskType, dueAt.UTC().Format("2006-01-02"),
	}, "|")
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type UpsertTaskParams struct {
	LeadID   uuid.UUID
	TaskType string
	Title    string
	DueAt    time.Time
	// Key overrides the derived idempotency key when set.
	Key string
}

const upsertTaskQuery = `
	INSERT INTO CMX_tasks (id, lead_id, task_type, title, status, due_at, idempotency_key)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (idempotency_key) DO UPDATE SET
		due_at = EXCLUDED.due_at,
		status = 'open',
		completed_at = NULL,
		updated_at = NOW()
	RETURNING id`

// UpsertTask creates the task or, when one with the same key already
// exists, refreshes its due time and forces it back to open. A single
// constrained write, so concurrent handlers for the same lead cannot
// produce duplicates.
func (r *Repository) UpsertTask(ctx context.Context, p UpsertTaskParams) (uuid.UUID, error) {
	key := p.Key
	if key == "" {
		key = IdempotencyKey(p.LeadID, p.TaskType, p.DueAt)
	}

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, upsertTaskQuery,
		uuid.New(), p.LeadID, p.TaskType, p.Title, TaskStatusOpen, p.DueAt.UTC(), key,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upserting task: %w", err)
	}
	return id, nil
}

func (r *Repository) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	const query = `
		UPDATE CMX_tasks
		SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, taskID, TaskStatusCompleted); err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	return nil
}

// ListOpen returns the operator work queue, nearest due first.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]Task, error) {
	const query = `
		SELECT id, lead_id, task_type, title, status, due_at, idempotency_key, created_at, updated_at
		FROM CMX_tasks
		WHERE status = 'open'
		ORDER BY due_at ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing open tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.LeadID, &t.TaskType, &t.Title, &t.Status, &t.DueAt, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) ListOpenByLead(ctx context.Context, leadID uuid.UUID) ([]Task, error) {
	const query = `
		SELECT id, lead_id, task_type, title, status, due_at, idempotency_key, created_at, updated_at
		FROM CMX_tasks
		WHERE lead_id = $1 AND status = 'open'
		ORDER BY due_at ASC`

	rows, err := r.pool.Query(ctx, query, leadID)
	if err != nil {
		return nil, fmt.Errorf("listing open tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.LeadID, &t.TaskType, &t.Title, &t.Status, &t.DueAt, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EnqueueJob records that an inbound event needs an asynchronous reply.
// The unique key is the inbound event id itself: a retried enqueue for
// the same event returns the existing job with wasDuplicate true.
func (r *Repository) EnqueueJob(ctx context.Context, inboundEventID, conversationID uuid.UUID) (job OutboundJob, wasDuplicate bool, err error) {
	const insertQuery = `
		INSERT INTO CMX_outbound_jobs (id, inbound_event_id, conversation_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (inbound_event_id) DO NOTHING
		RETURNING id, inbound_event_id, conversation_id, status, draft, attempts, last_error, created_at, updated_at`

	job, err = r.scanJob(r.pool.QueryRow(ctx, insertQuery, uuid.New(), inboundEventID, conversationID, JobStatusPending))
	if err == nil {
		return job, false, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return OutboundJob{}, false, fmt.Errorf("enqueueing outbound job: %w", err)
	}

	job, err = r.GetJobByInboundEvent(ctx, inboundEventID)
	if err != nil {
		return OutboundJob{}, false, err
	}
	return job, true, nil
}

func (r *Repository) GetJob(ctx context.Context, jobID uuid.UUID) (OutboundJob, error) {
	const query = `
		SELECT id, inbound_event_id, conversation_id, status, draft, attempts, last_error, created_at, updated_at
		FROM CMX_outbound_jobs WHERE id = $1`
	return r.scanJob(r.pool.QueryRow(ctx, query, jobID))
}

func (r *Repository) GetJobByInboundEvent(ctx context.Context, inboundEventID uuid.UUID) (OutboundJob, error) {
	const query = `
		SELECT id, inbound_event_id, conversation_id, status, draft, attempts, last_error, created_at, updated_at
		FROM CMX_outbound_jobs WHERE inbound_event_id = $1`
	return r.scanJob(r.pool.QueryRow(ctx, query, inboundEventID))
}

const claimForGenerationQuery = `
	UPDATE CMX_outbound_jobs
	SET status = $2, attempts = attempts + 1, updated_at = NOW()
	WHERE id = $1 AND status IN ($3, $4)
	RETURNING id, inbound_event_id, conversation_id, status, draft, attempts, last_error, created_at, updated_at`

// ClaimForGeneration moves a pending or previously failed job into the
// generating state and bumps the attempt counter. The guarded UPDATE
// means only one worker wins a given attempt; losers see ErrJobNotFound.
func (r *Repository) ClaimForGeneration(ctx context.Context, jobID uuid.UUID) (OutboundJob, error) {
	return r.scanJob(r.pool.QueryRow(ctx, claimForGenerationQuery, jobID, JobStatusGenerating, JobStatusPending, JobStatusFailed))
}

func (r *Repository) MarkJobSent(ctx context.Context, jobID uuid.UUID, draft string) error {
	const query = `
		UPDATE CMX_outbound_jobs
		SET status = $2, draft = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, jobID, JobStatusSent, draft); err != nil {
		return fmt.Errorf("marking job sent: %w", err)
	}
	return nil
}

// MarkJobSkipped terminates a job whose reply became unwanted, such as
// when an operator claimed the conversation after the job was queued.
func (r *Repository) MarkJobSkipped(ctx context.Context, jobID uuid.UUID, reason string) error {
	const query = `
		UPDATE CMX_outbound_jobs
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, jobID, JobStatusSkipped, reason); err != nil {
		return fmt.Errorf("marking job skipped: %w", err)
	}
	return nil
}

const requeueJobQuery = `
	UPDATE CMX_outbound_jobs
	SET status = $2, attempts = 0, last_error = NULL, updated_at = NOW()
	WHERE id = $1 AND status IN ($3, $4)
	RETURNING id, inbound_event_id, conversation_id, status, draft, attempts, last_error, created_at, updated_at`

// RequeueJob puts a terminally failed or skipped job back on the queue
// with a fresh attempt budget. Guarded so a job another worker is already
// driving cannot be reset from under it.
func (r *Repository) RequeueJob(ctx context.Context, jobID uuid.UUID) (OutboundJob, error) {
	return r.scanJob(r.pool.QueryRow(ctx, requeueJobQuery, jobID, JobStatusPending, JobStatusFailed, JobStatusSkipped))
}

func (r *Repository) MarkJobFailed(ctx context.Context, jobID uuid.UUID, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	const query = `
		UPDATE CMX_outbound_jobs
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, jobID, JobStatusFailed, msg); err != nil {
		return fmt.Errorf("marking job failed: %w", err)
	}
	return nil
}

const releaseStaleGeneratingQuery = `
	UPDATE CMX_outbound_jobs
	SET status = $1, last_error = $2, updated_at = NOW()
	WHERE status = $3 AND updated_at < NOW() - $4::interval
	RETURNING id, inbound_event_id, conversation_id, status, draft, attempts, last_error, created_at, updated_at`

// ReleaseStaleGenerating flips GENERATING jobs older than the cutoff to
// FAILED and returns them. A crash between claim and settle leaves the
// row claimed forever; failing it puts the job back in reach of the
// claim and requeue guards instead of being silently stuck.
func (r *Repository) ReleaseStaleGenerating(ctx context.Context, olderThan time.Duration) ([]OutboundJob, error) {
	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	rows, err := r.pool.Query(ctx, releaseStaleGeneratingQuery,
		JobStatusFailed, "reply generation stalled, released by sweeper", JobStatusGenerating, interval)
	if err != nil {
		return nil, fmt.Errorf("releasing stale generating jobs: %w", err)
	}
	defer rows.Close()

	var out []OutboundJob
	for rows.Next() {
		var job OutboundJob
		if err := rows.Scan(
			&job.ID, &job.InboundEventID, &job.ConversationID, &job.Status,
			&job.Draft, &job.Attempts, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning released job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *Repository) scanJob(row pgx.Row) (OutboundJob, error) {
	var job OutboundJob
	err := row.Scan(
		&job.ID, &job.InboundEventID, &job.ConversationID, &job.Status,
		&job.Draft, &job.Attempts, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return OutboundJob{}, ErrJobNotFound
	}
	if err != nil {
		return OutboundJob{}, fmt.Errorf("scanning outbound job: %w", err)
	}
	return job, nil
}
