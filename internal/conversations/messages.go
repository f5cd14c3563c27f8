package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type Message struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	Direction         string
	Body              string
	Provider          string
	ProviderMessageID *string
	CreatedAt         time.Time
}

// RecordInbound materializes an inbound message on the thread. The
// partial unique index on (provider, provider_message_id) makes the write
// idempotent under redelivery; a duplicate is silently absorbed.
func (r *Repository) RecordInbound(ctx context.Context, conversationID uuid.UUID, provider, providerMessageID, body string) (uuid.UUID, error) {
	const query = `
		INSERT INTO CMX_messages (id, conversation_id, direction, body, provider, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, provider_message_id) WHERE direction = 'inbound' AND provider_message_id IS NOT NULL
		DO NOTHING
		RETURNING id`

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, uuid.New(), conversationID, DirectionInbound, body, provider, providerMessageID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("recording inbound message: %w", err)
	}
	return id, nil
}

func (r *Repository) RecordOutbound(ctx context.Context, conversationID uuid.UUID, provider, body string, providerMessageID *string) (uuid.UUID, error) {
	const query = `
		INSERT INTO CMX_messages (id, conversation_id, direction, body, provider, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, uuid.New(), conversationID, DirectionOutbound, body, provider, providerMessageID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("recording outbound message: %w", err)
	}
	return id, nil
}

// ListMessages returns the thread's messages, oldest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	const query = `
		SELECT id, conversation_id, direction, body, provider, provider_message_id, created_at
		FROM CMX_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

const listRecentMessagesQuery = `
	SELECT id, conversation_id, direction, body, provider, provider_message_id, created_at
	FROM CMX_messages
	WHERE conversation_id = $1
	ORDER BY created_at DESC
	LIMIT $2`

// ListRecentMessages returns the newest messages on the thread, oldest
// first. Unlike ListMessages, the limit trims the start of the thread,
// not the end, so the triggering inbound is always included.
func (r *Repository) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	rows, err := r.pool.Query(ctx, listRecentMessagesQuery, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	defer rows.Close()

	out, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Body, &m.Provider, &m.ProviderMessageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
