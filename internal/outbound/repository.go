package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm_messaging_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sendStatusAttempting = "attempting"
	sendStatusSent       = "sent"
	sendStatusFailed     = "failed"
)

// ErrDuplicateSend means another writer already holds a send record that
// collides with this one on any uniqueness guard: same dedupe key, same
// trigger, or same question inside the cooldown window.
var ErrDuplicateSend = errors.New("outbound send already recorded")

type SendRecord struct {
	ID                       uuid.UUID
	ConversationID           uuid.UUID
	TriggerInboundID         *uuid.UUID
	TriggerProviderMessageID *string
	DedupeKey                string
	QuestionKey              string
	QuestionBucket           string
	Body                     string
	Status                   string
	ProviderMessageID        *string
	CreatedAt                time.Time
	SentAt                   *time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type attemptParams struct {
	ConversationID           uuid.UUID
	TriggerInboundID         *uuid.UUID
	TriggerProviderMessageID *string
	DedupeKey                string
	QuestionKey              string
	QuestionBucket           string
	Body                     string
}

// InsertAttempt claims the right to send by creating the record before
// any transmission happens. Uniqueness violations on any guard index are
// reported as ErrDuplicateSend, never as a failure.
func (r *Repository) InsertAttempt(ctx context.Context, p attemptParams) (uuid.UUID, error) {
	const query = `
		INSERT INTO CMX_outbound_sends
			(id, conversation_id, trigger_inbound_id, trigger_provider_message_id,
			 dedupe_key, question_key, question_bucket, body, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query,
		uuid.New(), p.ConversationID, p.TriggerInboundID, p.TriggerProviderMessageID,
		p.DedupeKey, p.QuestionKey, p.QuestionBucket, p.Body, sendStatusAttempting,
	).Scan(&id)
	if db.IsUniqueViolation(err) {
		return uuid.Nil, ErrDuplicateSend
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting send attempt: %w", err)
	}
	return id, nil
}

func (r *Repository) MarkSent(ctx context.Context, sendID uuid.UUID, providerMessageID string) error {
	const query = `
		UPDATE CMX_outbound_sends
		SET status = $2, provider_message_id = $3, sent_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, sendID, sendStatusSent, providerMessageID); err != nil {
		return fmt.Errorf("marking send sent: %w", err)
	}
	return nil
}

// FindByDedupeKey reads the record holding a dedupe key. Only called
// after an insert conflict, never as a pre-check.
func (r *Repository) FindByDedupeKey(ctx context.Context, dedupeKey string) (SendRecord, error) {
	const query = `
		SELECT id, conversation_id, trigger_inbound_id, trigger_provider_message_id,
		       dedupe_key, question_key, question_bucket, body, status,
		       provider_message_id, created_at, sent_at
		FROM CMX_outbound_sends
		WHERE dedupe_key = $1`

	var rec SendRecord
	err := r.pool.QueryRow(ctx, query, dedupeKey).Scan(
		&rec.ID, &rec.ConversationID, &rec.TriggerInboundID, &rec.TriggerProviderMessageID,
		&rec.DedupeKey, &rec.QuestionKey, &rec.QuestionBucket, &rec.Body, &rec.Status,
		&rec.ProviderMessageID, &rec.CreatedAt, &rec.SentAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SendRecord{}, ErrDuplicateSend
	}
	if err != nil {
		return SendRecord{}, fmt.Errorf("finding send by dedupe key: %w", err)
	}
	return rec, nil
}

// Reclaim takes over a failed send record for a retry. The guarded
// update is the compare-and-swap: it succeeds for exactly one retrier.
func (r *Repository) Reclaim(ctx context.Context, sendID uuid.UUID) (bool, error) {
	const query = `
		UPDATE CMX_outbound_sends
		SET status = $2, error = NULL
		WHERE id = $1 AND status = $3`

	tag, err := r.pool.Exec(ctx, query, sendID, sendStatusAttempting, sendStatusFailed)
	if err != nil {
		return false, fmt.Errorf("reclaiming failed send: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkFailed(ctx context.Context, sendID uuid.UUID, sendErr error) error {
	msg := ""
	if sendErr != nil {
		msg = sendErr.Error()
	}

	const query = `
		UPDATE CMX_outbound_sends
		SET status = $2, error = $3
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, sendID, sendStatusFailed, msg); err != nil {
		return fmt.Errorf("marking send failed: %w", err)
	}
	return nil
}
