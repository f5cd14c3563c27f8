package events

import (
	"github.com/google/uuid"
)

// Event names for cross-module subscriptions.
const (
	EventInboundProcessed    = "messaging.inbound.processed"
	EventAutoReplyFailed     = "messaging.reply.failed"
	EventOutboundJobExhausted = "messaging.outbound_job.exhausted"
	EventConversationAssigned = "messaging.conversation.assigned"
)

// InboundProcessed fires when an inbound event completes the fast pipeline.
type InboundProcessed struct {
	BaseEvent
	InboundEventID uuid.UUID
	ConversationID uuid.UUID
	ContactID      uuid.UUID
	Outcome        string
}

func (InboundProcessed) EventName() string { return EventInboundProcessed }

// AutoReplyFailed fires when reply drafting or transmission fails for an
// inbound trigger. The inbound event itself is still finalized as completed.
type AutoReplyFailed struct {
	BaseEvent
	InboundEventID uuid.UUID
	ConversationID uuid.UUID
	Reason         string
}

func (AutoReplyFailed) EventName() string { return EventAutoReplyFailed }

// OutboundJobExhausted fires when an outbound job runs out of retry attempts.
type OutboundJobExhausted struct {
	BaseEvent
	JobID          uuid.UUID
	InboundEventID uuid.UUID
	ConversationID uuid.UUID
	LastError      string
}

func (OutboundJobExhausted) EventName() string { return EventOutboundJobExhausted }

// ConversationAssigned fires when an operator claims a conversation.
type ConversationAssigned struct {
	BaseEvent
	ConversationID uuid.UUID
	UserID         uuid.UUID
}

func (ConversationAssigned) EventName() string { return EventConversationAssigned }
