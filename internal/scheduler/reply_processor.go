package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm_messaging_backend/internal/contacts"
	"crm_messaging_backend/internal/conversations"
	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/internal/flow"
	"crm_messaging_backend/internal/inbound"
	"crm_messaging_backend/internal/outbound"
	"crm_messaging_backend/internal/replydraft"
	"crm_messaging_backend/internal/tasks"
	"crm_messaging_backend/platform/logger"

	"github.com/google/uuid"
)

// JobStore is the outbound-job surface the processor drives. Satisfied
// by tasks.Repository.
type JobStore interface {
	ClaimForGeneration(ctx context.Context, jobID uuid.UUID) (tasks.OutboundJob, error)
	MarkJobSent(ctx context.Context, jobID uuid.UUID, draft string) error
	MarkJobFailed(ctx context.Context, jobID uuid.UUID, jobErr error) error
	MarkJobSkipped(ctx context.Context, jobID uuid.UUID, reason string) error
	UpsertTask(ctx context.Context, p tasks.UpsertTaskParams) (uuid.UUID, error)
}

// ConversationReader loads thread state for reply generation.
type ConversationReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (conversations.Conversation, error)
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversations.Message, error)
}

// ContactReader resolves the reply destination.
type ContactReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (contacts.Contact, error)
}

// EventReader resolves the triggering provider message id.
type EventReader interface {
	GetByID(ctx context.Context, eventID uuid.UUID) (inbound.EventRecord, error)
}

// ChannelSupport reports whether a transmitter exists for a channel.
// Satisfied by whatsapp.Client.
type ChannelSupport interface {
	SupportsChannel(provider string) bool
}

// SendGate is the outbound idempotency gate. Satisfied by outbound.Gate.
type SendGate interface {
	TrySend(ctx context.Context, req outbound.SendRequest) (outbound.SendResult, error)
}

// ReplyDrafter generates reply text. Satisfied by replydraft.Drafter;
// Draft on an unconfigured drafter reports an error and the processor
// falls back to the plain question text.
type ReplyDrafter interface {
	Draft(ctx context.Context, input replydraft.DraftInput) (string, error)
}

// ReplyProcessor executes one outbound reply job: draft the text, pass
// the outbound gate, and settle the job. Failures are bounded by the
// job's attempt counter; an exhausted job becomes an operator task and a
// notification, never a silent drop.
type ReplyProcessor struct {
	jobs          JobStore
	conversations ConversationReader
	contacts      ContactReader
	inboundEvents EventReader
	channels      ChannelSupport
	gate          SendGate
	drafter       ReplyDrafter
	bus           events.Bus
	log           *logger.Logger
	maxAttempts   int
}

type ReplyProcessorConfig struct {
	Jobs          JobStore
	Conversations ConversationReader
	Contacts      ContactReader
	InboundEvents EventReader
	Channels      ChannelSupport
	Gate          SendGate
	Drafter       ReplyDrafter
	Bus           events.Bus
	Log           *logger.Logger
	MaxAttempts   int
}

func NewReplyProcessor(cfg ReplyProcessorConfig) *ReplyProcessor {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &ReplyProcessor{
		jobs:          cfg.Jobs,
		conversations: cfg.Conversations,
		contacts:      cfg.Contacts,
		inboundEvents: cfg.InboundEvents,
		channels:      cfg.Channels,
		gate:          cfg.Gate,
		drafter:       cfg.Drafter,
		bus:           cfg.Bus,
		log:           cfg.Log,
		maxAttempts:   maxAttempts,
	}
}

// ProcessJob runs one attempt of a reply job. A returned error asks the
// queue to retry; nil means the job reached a terminal state.
func (p *ReplyProcessor) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.jobs.ClaimForGeneration(ctx, jobID)
	if errors.Is(err, tasks.ErrJobNotFound) {
		// Already sent, skipped, or claimed by a concurrent worker.
		return nil
	}
	if err != nil {
		return err
	}

	conv, err := p.conversations.GetByID(ctx, job.ConversationID)
	if err != nil {
		return p.fail(ctx, job, uuid.Nil, fmt.Errorf("loading conversation: %w", err))
	}

	// The assignment guard runs again at send time: an operator may have
	// claimed the thread while the job sat in the queue.
	if conv.Assigned() {
		p.log.Info("reply job skipped, conversation assigned", "job_id", job.ID, "conversation_id", conv.ID)
		return p.jobs.MarkJobSkipped(ctx, job.ID, "conversation assigned to operator")
	}

	// Retrying a channel nothing can transmit on only burns the attempt
	// budget, so those jobs are skipped instead of failed.
	if p.channels != nil && !p.channels.SupportsChannel(conv.Channel) {
		p.log.Info("reply job skipped, no transmitter for channel", "job_id", job.ID, "channel", conv.Channel)
		return p.jobs.MarkJobSkipped(ctx, job.ID, "no transmitter for channel "+conv.Channel)
	}

	contact, err := p.contacts.GetByID(ctx, conv.ContactID)
	if err != nil {
		return p.fail(ctx, job, conv.LeadID, fmt.Errorf("loading contact: %w", err))
	}
	event, err := p.inboundEvents.GetByID(ctx, job.InboundEventID)
	if err != nil {
		return p.fail(ctx, job, conv.LeadID, fmt.Errorf("loading trigger event: %w", err))
	}

	questionKey, hasQuestion := flow.NextQuestion(conv.KnownFields)
	body, draftErr := p.draftBody(ctx, conv, contact, questionKey, hasQuestion)
	if body == "" {
		return p.fail(ctx, job, conv.LeadID, fmt.Errorf("no reply content: %w", draftErr))
	}

	sendQuestionKey := ""
	if hasQuestion {
		sendQuestionKey = questionKey
	}

	res, err := p.gate.TrySend(ctx, outbound.SendRequest{
		ConversationID:           conv.ID,
		TriggerInboundID:         &job.InboundEventID,
		TriggerProviderMessageID: event.ProviderMessageID,
		Provider:                 conv.Channel,
		ToAddress:                replyAddress(contact),
		Body:                     body,
		QuestionKey:              sendQuestionKey,
	})
	if err != nil {
		return p.fail(ctx, job, conv.LeadID, fmt.Errorf("sending reply: %w", err))
	}
	if res.WasDuplicate {
		p.log.Info("reply already covered by another send", "job_id", job.ID, "conversation_id", conv.ID)
	}

	return p.jobs.MarkJobSent(ctx, job.ID, body)
}

// draftBody asks the drafter for reply text and falls back to the bare
// question when drafting is unavailable. Only a conversation with
// nothing left to ask depends on the drafter entirely.
func (p *ReplyProcessor) draftBody(ctx context.Context, conv conversations.Conversation, contact contacts.Contact, questionKey string, hasQuestion bool) (string, error) {
	questionText := ""
	if hasQuestion {
		questionText = flow.QuestionText(questionKey)
	}

	input := replydraft.DraftInput{
		ConversationID: conv.ID,
		KnownFields:    conv.KnownFields,
		QuestionKey:    questionKey,
		QuestionText:   questionText,
	}
	if contact.DisplayName != nil {
		input.ContactName = *contact.DisplayName
	}
	if history, err := p.conversations.ListRecentMessages(ctx, conv.ID, 20); err == nil {
		for _, msg := range history {
			input.History = append(input.History, msg.Direction+": "+msg.Body)
		}
		if n := len(history); n > 0 && history[n-1].Direction == conversations.DirectionInbound {
			input.LatestText = history[n-1].Body
		}
	}

	body, err := p.drafter.Draft(ctx, input)
	if err == nil && body != "" {
		return body, nil
	}
	if hasQuestion {
		return questionText, err
	}
	return "", err
}

// fail records the attempt's failure and decides between retry and
// escalation. Exhausted jobs raise an operator task and notification
// events and stop retrying; earlier attempts return the cause so the
// queue schedules another run.
func (p *ReplyProcessor) fail(ctx context.Context, job tasks.OutboundJob, leadID uuid.UUID, cause error) error {
	p.log.Error("reply job attempt failed", "job_id", job.ID, "attempt", job.Attempts, "error", cause)

	if err := p.jobs.MarkJobFailed(ctx, job.ID, cause); err != nil {
		p.log.DatabaseError("scheduler.mark_job_failed", err)
	}

	if job.Attempts < p.maxAttempts {
		return cause
	}

	if leadID != uuid.Nil {
		if _, err := p.jobs.UpsertTask(ctx, tasks.UpsertTaskParams{
			LeadID:   leadID,
			TaskType: tasks.TypeReplyFailed,
			Title:    "Automatic reply failed - follow up manually",
			DueAt:    time.Now().UTC(),
		}); err != nil {
			p.log.DatabaseError("scheduler.raise_reply_failed_task", err)
		}
	}

	p.bus.Publish(ctx, events.AutoReplyFailed{
		BaseEvent:      events.NewBaseEvent(),
		InboundEventID: job.InboundEventID,
		ConversationID: job.ConversationID,
		Reason:         cause.Error(),
	})
	p.bus.Publish(ctx, events.OutboundJobExhausted{
		BaseEvent:      events.NewBaseEvent(),
		JobID:          job.ID,
		InboundEventID: job.InboundEventID,
		ConversationID: job.ConversationID,
		LastError:      cause.Error(),
	})
	return nil
}

func replyAddress(contact contacts.Contact) string {
	if contact.NormalizedAddress != nil && *contact.NormalizedAddress != "" {
		return *contact.NormalizedAddress
	}
	return contact.RawAddress
}
