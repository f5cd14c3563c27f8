// Package outbound implements the outbound idempotency gate: at most one
// transmitted reply per triggering inbound event, and no re-asking a
// question inside its cooldown window. Both guards live in database
// unique indexes and are exercised insert-first.
package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crm_messaging_backend/platform/logger"

	"github.com/google/uuid"
)

// Transmitter delivers one text message on a channel and returns the
// provider-assigned message id.
type Transmitter interface {
	SendText(ctx context.Context, provider, toAddress, body string) (providerMessageID string, err error)
}

// ConversationWriter is the slice of the conversation store the gate
// touches after a successful send.
type ConversationWriter interface {
	TouchOutbound(ctx context.Context, id uuid.UUID, at time.Time) error
	SetQuestionAsked(ctx context.Context, id uuid.UUID, questionKey string, at time.Time) error
	RecordOutbound(ctx context.Context, conversationID uuid.UUID, provider, body string, providerMessageID *string) (uuid.UUID, error)
}

// SendStore is the send-record persistence the gate drives. Implemented
// by Repository.
type SendStore interface {
	InsertAttempt(ctx context.Context, p attemptParams) (uuid.UUID, error)
	FindByDedupeKey(ctx context.Context, dedupeKey string) (SendRecord, error)
	Reclaim(ctx context.Context, sendID uuid.UUID) (bool, error)
	MarkSent(ctx context.Context, sendID uuid.UUID, providerMessageID string) error
	MarkFailed(ctx context.Context, sendID uuid.UUID, sendErr error) error
}

type SendRequest struct {
	ConversationID uuid.UUID
	// TriggerInboundID links the reply to the inbound event it answers.
	TriggerInboundID *uuid.UUID
	// TriggerProviderMessageID guards against double-replying to one
	// provider message across independent code paths.
	TriggerProviderMessageID string
	Provider                 string
	ToAddress                string
	Body                     string
	// QuestionKey marks the reply as asking a qualification question,
	// which additionally arms the cooldown-window guard.
	QuestionKey string
}

type SendResult struct {
	Sent              bool
	WasDuplicate      bool
	ProviderMessageID string
}

type Gate struct {
	store         SendStore
	conversations ConversationWriter
	transmitter   Transmitter
	cooldown      time.Duration
	log           *logger.Logger
	now           func() time.Time
}

func NewGate(store SendStore, conversations ConversationWriter, transmitter Transmitter, cooldown time.Duration, log *logger.Logger) *Gate {
	return &Gate{
		store:         store,
		conversations: conversations,
		transmitter:   transmitter,
		cooldown:      cooldown,
		log:           log,
		now:           time.Now,
	}
}

// DedupeKey identifies one logical reply: this conversation answering
// this trigger with this content.
func DedupeKey(conversationID uuid.UUID, triggerProviderMessageID, body string) string {
	sum := sha256.Sum256([]byte(body))
	return strings.Join([]string{
		conversationID.String(), triggerProviderMessageID, hex.EncodeToString(sum[:8]),
	}, "|")
}

// QuestionBucket floors a timestamp to the cooldown window. Two sends of
// the same question inside one window share a bucket and collide on the
// question-window unique index.
func QuestionBucket(at time.Time, cooldown time.Duration) string {
	if cooldown <= 0 {
		return ""
	}
	return strconv.FormatInt(at.UTC().Unix()/int64(cooldown.Seconds()), 10)
}

// TrySend claims the send, transmits, and records the outcome. A
// collision with an existing claim returns WasDuplicate without error
// and without transmitting. A transmission failure leaves a failed
// record that a later bounded retry can reclaim.
func (g *Gate) TrySend(ctx context.Context, req SendRequest) (SendResult, error) {
	now := g.now().UTC()

	var triggerID *string
	if req.TriggerProviderMessageID != "" {
		triggerID = &req.TriggerProviderMessageID
	}
	bucket := ""
	if req.QuestionKey != "" {
		bucket = QuestionBucket(now, g.cooldown)
	}

	sendID, err := g.store.InsertAttempt(ctx, attemptParams{
		ConversationID:           req.ConversationID,
		TriggerInboundID:         req.TriggerInboundID,
		TriggerProviderMessageID: triggerID,
		DedupeKey:                DedupeKey(req.ConversationID, req.TriggerProviderMessageID, req.Body),
		QuestionKey:              req.QuestionKey,
		QuestionBucket:           bucket,
		Body:                     req.Body,
	})
	if errors.Is(err, ErrDuplicateSend) {
		reclaimedID, ok, reclaimErr := g.reclaimFailed(ctx, req)
		if reclaimErr != nil {
			return SendResult{}, reclaimErr
		}
		if !ok {
			g.log.Info("outbound send suppressed as duplicate",
				"conversation_id", req.ConversationID,
				"trigger", req.TriggerProviderMessageID,
				"question_key", req.QuestionKey)
			return SendResult{WasDuplicate: true}, nil
		}
		sendID = reclaimedID
	} else if err != nil {
		return SendResult{}, err
	}

	providerMessageID, err := g.transmitter.SendText(ctx, req.Provider, req.ToAddress, req.Body)
	if err != nil {
		if markErr := g.store.MarkFailed(ctx, sendID, err); markErr != nil {
			g.log.DatabaseError("outbound.mark_failed", markErr)
		}
		return SendResult{}, fmt.Errorf("transmitting reply: %w", err)
	}

	if err := g.store.MarkSent(ctx, sendID, providerMessageID); err != nil {
		g.log.DatabaseError("outbound.mark_sent", err)
	}
	if _, err := g.conversations.RecordOutbound(ctx, req.ConversationID, req.Provider, req.Body, &providerMessageID); err != nil {
		g.log.DatabaseError("outbound.record_message", err)
	}
	if err := g.conversations.TouchOutbound(ctx, req.ConversationID, now); err != nil {
		g.log.DatabaseError("outbound.touch_conversation", err)
	}
	if req.QuestionKey != "" {
		if err := g.conversations.SetQuestionAsked(ctx, req.ConversationID, req.QuestionKey, now); err != nil {
			g.log.DatabaseError("outbound.set_question_asked", err)
		}
	}

	return SendResult{Sent: true, ProviderMessageID: providerMessageID}, nil
}

// reclaimFailed resolves an insert conflict: when the colliding record is
// a failed earlier attempt at this same reply, exactly one caller may
// take it over and retry.
func (g *Gate) reclaimFailed(ctx context.Context, req SendRequest) (uuid.UUID, bool, error) {
	rec, err := g.store.FindByDedupeKey(ctx, DedupeKey(req.ConversationID, req.TriggerProviderMessageID, req.Body))
	if errors.Is(err, ErrDuplicateSend) {
		// The conflict came from the trigger or question-window index,
		// not our dedupe key: a different reply already covers this
		// trigger or question. Nothing to retry.
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	if rec.Status != sendStatusFailed {
		return uuid.Nil, false, nil
	}

	ok, err := g.store.Reclaim(ctx, rec.ID)
	if err != nil {
		return uuid.Nil, false, err
	}
	return rec.ID, ok, nil
}
