package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is one messaging thread per (contact, channel). The
// qualification flow state rides on the row itself so the pipeline never
// needs a separate state store.
type Conversation struct {
	ID              uuid.UUID
	ContactID       uuid.UUID
	Channel         string
	LeadID          uuid.UUID
	LastQuestionKey string
	LastQuestionAt  *time.Time
	KnownFields     map[string]string
	NeedsReplySince *time.Time
	AssignedUserID  *uuid.UUID
	LastInboundAt   *time.Time
	LastOutboundAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Assigned reports whether a human operator has claimed the thread. The
// pipeline suppresses automatic replies on assigned conversations.
func (c Conversation) Assigned() bool {
	return c.AssignedUserID != nil
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const conversationColumns = `
	id, contact_id, channel, lead_id,
	last_question_key, last_question_at, known_fields,
	needs_reply_since, assigned_user_id,
	last_inbound_at, last_outbound_at, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var conv Conversation
	err := row.Scan(
		&conv.ID, &conv.ContactID, &conv.Channel, &conv.LeadID,
		&conv.LastQuestionKey, &conv.LastQuestionAt, &conv.KnownFields,
		&conv.NeedsReplySince, &conv.AssignedUserID,
		&conv.LastInboundAt, &conv.LastOutboundAt, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("scanning conversation: %w", err)
	}
	return conv, nil
}

// Upsert returns the thread for (contact, channel), creating it on first
// contact. The conflict arm only refreshes lead linkage, so concurrent
// upserts converge on one row without a pre-read.
const upsertConversationQuery = `
	INSERT INTO CMX_conversations (id, contact_id, channel, lead_id)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT ON CONSTRAINT ux_cmx_conversations_contact_channel
	DO UPDATE SET lead_id = EXCLUDED.lead_id, updated_at = NOW()
	RETURNING ` + conversationColumns

func (r *Repository) Upsert(ctx context.Context, contactID uuid.UUID, channel string, leadID uuid.UUID) (Conversation, error) {
	return scanConversation(r.pool.QueryRow(ctx, upsertConversationQuery, uuid.New(), contactID, channel, leadID))
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM CMX_conversations WHERE id = $1`
	return scanConversation(r.pool.QueryRow(ctx, query, id))
}

// TouchInbound stamps the latest inbound activity and flags the thread as
// awaiting a reply if it is not already.
func (r *Repository) TouchInbound(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `
		UPDATE CMX_conversations
		SET last_inbound_at = $2,
		    needs_reply_since = COALESCE(needs_reply_since, $2),
		    updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("touching inbound: %w", err)
	}
	return nil
}

// TouchOutbound stamps the latest outbound activity and clears the
// needs-reply flag.
func (r *Repository) TouchOutbound(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `
		UPDATE CMX_conversations
		SET last_outbound_at = $2,
		    needs_reply_since = NULL,
		    updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("touching outbound: %w", err)
	}
	return nil
}

// SetQuestionAsked records which qualification question was last sent on
// the thread and when.
func (r *Repository) SetQuestionAsked(ctx context.Context, id uuid.UUID, questionKey string, at time.Time) error {
	const query = `
		UPDATE CMX_conversations
		SET last_question_key = $2, last_question_at = $3, updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, questionKey, at); err != nil {
		return fmt.Errorf("recording asked question: %w", err)
	}
	return nil
}

// ClearQuestion resets the pending-question state after its answer
// arrived.
func (r *Repository) ClearQuestion(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE CMX_conversations
		SET last_question_key = '', last_question_at = NULL, updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("clearing pending question: %w", err)
	}
	return nil
}

const mergeKnownFieldsQuery = `
	UPDATE CMX_conversations
	SET known_fields = $2::jsonb || known_fields, updated_at = NOW()
	WHERE id = $1
	RETURNING ` + conversationColumns

// MergeKnownFields folds newly extracted answers into the thread's known
// fields. Existing keys win: once a field is known it is never downgraded
// by a later, weaker extraction.
func (r *Repository) MergeKnownFields(ctx context.Context, id uuid.UUID, fields map[string]string) (Conversation, error) {
	if len(fields) == 0 {
		return r.GetByID(ctx, id)
	}
	return scanConversation(r.pool.QueryRow(ctx, mergeKnownFieldsQuery, id, fields))
}

// Assign claims the thread for an operator, which silences the automatic
// reply pipeline for it.
func (r *Repository) Assign(ctx context.Context, id uuid.UUID, userID uuid.UUID) (Conversation, error) {
	query := `
		UPDATE CMX_conversations
		SET assigned_user_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + conversationColumns

	return scanConversation(r.pool.QueryRow(ctx, query, id, userID))
}

func (r *Repository) Unassign(ctx context.Context, id uuid.UUID) (Conversation, error) {
	query := `
		UPDATE CMX_conversations
		SET assigned_user_id = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + conversationColumns

	return scanConversation(r.pool.QueryRow(ctx, query, id))
}

// ListNeedingReply returns threads that received an inbound message and
// have not been answered yet, oldest first.
func (r *Repository) ListNeedingReply(ctx context.Context, limit int) ([]Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM CMX_conversations
		WHERE needs_reply_since IS NOT NULL
		ORDER BY needs_reply_since ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations needing reply: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}
