// Package pipeline is the orchestrator that carries one inbound message
// from webhook delivery to durable conversation state. Every step after
// admission is recoverable: the dedup record is always finalized, and a
// failed reply never fails the message.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"crm_messaging_backend/internal/contacts"
	"crm_messaging_backend/internal/conversations"
	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/internal/flow"
	"crm_messaging_backend/internal/inbound"
	"crm_messaging_backend/internal/leads"
	"crm_messaging_backend/internal/tasks"
	"crm_messaging_backend/platform/logger"

	"github.com/google/uuid"
)

// Pipeline stages, logged per event for traceability.
const (
	StageReceived             = "RECEIVED"
	StageAdmitted             = "ADMITTED"
	StageIdentityResolved     = "IDENTITY_RESOLVED"
	StageConversationResolved = "CONVERSATION_RESOLVED"
	StageFieldsExtracted      = "FIELDS_EXTRACTED"
	StageTasksCreated         = "TASKS_CREATED"
	StageReplyDecision        = "REPLY_DECISION"
	StageFinalized            = "FINALIZED"
)

// Reply decisions.
const (
	DecisionAutoReplyQueued  = "auto_reply_queued"
	DecisionSkippedAssigned  = "skipped_assigned"
	DecisionSkippedNoContent = "skipped_no_content"
)

// DedupGate is the inbound admission surface. Satisfied by
// inbound.Repository.
type DedupGate interface {
	Admit(ctx context.Context, provider, providerMessageID string) (inbound.Admission, error)
	Finalize(ctx context.Context, eventID uuid.UUID, status string, processingErr error) error
}

// IdentityResolver is the contact resolution surface. Satisfied by
// contacts.Service.
type IdentityResolver interface {
	Resolve(ctx context.Context, in contacts.ResolveInput) (contacts.Contact, error)
	SetNationality(ctx context.Context, id uuid.UUID, nationality string) error
	SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error
}

// LeadStore keeps the active lead current. Satisfied by leads.Repository.
type LeadStore interface {
	EnsureActive(ctx context.Context, contactID uuid.UUID) (leads.Lead, error)
	SetServiceCategory(ctx context.Context, leadID uuid.UUID, category string) error
}

// ConversationStore is the thread surface the pipeline drives. Satisfied
// by conversations.Repository.
type ConversationStore interface {
	Upsert(ctx context.Context, contactID uuid.UUID, channel string, leadID uuid.UUID) (conversations.Conversation, error)
	TouchInbound(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordInbound(ctx context.Context, conversationID uuid.UUID, provider, providerMessageID, body string) (uuid.UUID, error)
	MergeKnownFields(ctx context.Context, id uuid.UUID, fields map[string]string) (conversations.Conversation, error)
	ClearQuestion(ctx context.Context, id uuid.UUID) error
}

// TaskStore raises deduplicated side effects. Satisfied by
// tasks.Repository.
type TaskStore interface {
	UpsertTask(ctx context.Context, p tasks.UpsertTaskParams) (uuid.UUID, error)
	EnqueueJob(ctx context.Context, inboundEventID, conversationID uuid.UUID) (tasks.OutboundJob, bool, error)
}

// ReplyScheduler hands a queued outbound job to the async worker.
type ReplyScheduler interface {
	ScheduleReplyJob(ctx context.Context, jobID uuid.UUID) error
}

type Orchestrator struct {
	gate          DedupGate
	identity      IdentityResolver
	leads         LeadStore
	conversations ConversationStore
	tasks         TaskStore
	registry      *flow.Registry
	scheduler     ReplyScheduler
	bus           events.Bus
	log           *logger.Logger
	// autoReplyEnabled gates the whole automatic reply path; when off,
	// inbound processing still runs and operators work from tasks.
	autoReplyEnabled bool
}

type Config struct {
	Gate             DedupGate
	Identity         IdentityResolver
	Leads            LeadStore
	Conversations    ConversationStore
	Tasks            TaskStore
	Registry         *flow.Registry
	Scheduler        ReplyScheduler
	Bus              events.Bus
	Log              *logger.Logger
	AutoReplyEnabled bool
}

func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		gate:             cfg.Gate,
		identity:         cfg.Identity,
		leads:            cfg.Leads,
		conversations:    cfg.Conversations,
		tasks:            cfg.Tasks,
		registry:         cfg.Registry,
		scheduler:        cfg.Scheduler,
		bus:              cfg.Bus,
		log:              cfg.Log,
		autoReplyEnabled: cfg.AutoReplyEnabled,
	}
}

// Process runs one inbound message through the pipeline. A duplicate
// delivery returns nil immediately so the webhook acknowledges it. Any
// error after admission finalizes the dedup record before propagating.
func (o *Orchestrator) Process(ctx context.Context, msg inbound.Message) error {
	o.log.PipelineStage("", StageReceived)

	adm, err := o.gate.Admit(ctx, msg.Provider, msg.ProviderMessageID)
	if err != nil {
		return err
	}
	if !adm.Admitted {
		o.log.InboundEvent(msg.Provider, msg.ProviderMessageID, "duplicate")
		return nil
	}

	eventID := adm.EventID
	o.log.PipelineStage(eventID.String(), StageAdmitted)

	if err := o.runAdmitted(ctx, eventID, msg); err != nil {
		o.log.Error("pipeline failed", "inbound_event_id", eventID, "error", err)
		if finErr := o.gate.Finalize(ctx, eventID, inbound.StatusFailed, err); finErr != nil {
			o.log.DatabaseError("pipeline.finalize_failed", finErr)
		}
		return err
	}

	if err := o.gate.Finalize(ctx, eventID, inbound.StatusCompleted, nil); err != nil {
		o.log.DatabaseError("pipeline.finalize_completed", err)
	}
	o.log.PipelineStage(eventID.String(), StageFinalized)
	return nil
}

func (o *Orchestrator) runAdmitted(ctx context.Context, eventID uuid.UUID, msg inbound.Message) (err error) {
	// The orchestrator is the recovery boundary: a panic anywhere below
	// must still finalize the dedup record.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	contact, err := o.identity.Resolve(ctx, contacts.ResolveInput{
		Address:           msg.Address,
		PlatformContactID: msg.PlatformContactID,
		DisplayName:       msg.DisplayName,
		Source:            msg.Provider,
	})
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}
	o.log.PipelineStage(eventID.String(), StageIdentityResolved)

	lead, err := o.leads.EnsureActive(ctx, contact.ID)
	if err != nil {
		return fmt.Errorf("ensuring active lead: %w", err)
	}

	conv, err := o.conversations.Upsert(ctx, contact.ID, msg.Provider, lead.ID)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}
	if err := o.conversations.TouchInbound(ctx, conv.ID, msg.Timestamp); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if _, err := o.conversations.RecordInbound(ctx, conv.ID, msg.Provider, msg.ProviderMessageID, msg.Text); err != nil {
		return fmt.Errorf("recording inbound message: %w", err)
	}
	o.log.PipelineStage(eventID.String(), StageConversationResolved)

	conv, err = o.extractFields(ctx, conv, contact, lead, msg.Text)
	if err != nil {
		return err
	}
	o.log.PipelineStage(eventID.String(), StageFieldsExtracted)

	if _, err := o.tasks.UpsertTask(ctx, tasks.UpsertTaskParams{
		LeadID:   lead.ID,
		TaskType: tasks.TypeReplyDue,
		Title:    "Reply to inbound message",
		DueAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("raising reply-due task: %w", err)
	}
	o.log.PipelineStage(eventID.String(), StageTasksCreated)

	decision, err := o.decideReply(ctx, eventID, conv)
	if err != nil {
		return err
	}
	o.log.PipelineStage(eventID.String(), StageReplyDecision)
	o.log.Info("reply decision", "inbound_event_id", eventID, "decision", decision)

	o.bus.Publish(ctx, events.InboundProcessed{
		BaseEvent:      events.NewBaseEvent(),
		InboundEventID: eventID,
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Outcome:        decision,
	})
	return nil
}

// extractFields runs the extractor registry over the inbound text and
// propagates new answers into the conversation and the durable contact
// and lead fields. Extraction failures are benign: existing state is
// never touched by a non-match.
func (o *Orchestrator) extractFields(ctx context.Context, conv conversations.Conversation, contact contacts.Contact, lead leads.Lead, text string) (conversations.Conversation, error) {
	res := o.registry.Apply(text, conv.LastQuestionKey, conv.KnownFields)
	if len(res.Fields) == 0 {
		return conv, nil
	}

	conv, err := o.conversations.MergeKnownFields(ctx, conv.ID, res.Fields)
	if err != nil {
		return conv, fmt.Errorf("merging known fields: %w", err)
	}
	if res.AnsweredPending {
		if err := o.conversations.ClearQuestion(ctx, conv.ID); err != nil {
			return conv, fmt.Errorf("clearing answered question: %w", err)
		}
		conv.LastQuestionKey = ""
	}

	// Durable propagation is best effort; the answer already lives in
	// known_fields.
	if name, ok := res.Fields[flow.FieldName]; ok {
		if err := o.identity.SetDisplayName(ctx, contact.ID, name); err != nil {
			o.log.DatabaseError("pipeline.set_display_name", err)
		}
	}
	if nationality, ok := res.Fields[flow.FieldNationality]; ok {
		if err := o.identity.SetNationality(ctx, contact.ID, nationality); err != nil {
			o.log.DatabaseError("pipeline.set_nationality", err)
		}
	}
	if service, ok := res.Fields[flow.FieldService]; ok {
		if err := o.leads.SetServiceCategory(ctx, lead.ID, service); err != nil {
			o.log.DatabaseError("pipeline.set_service_category", err)
		}
	}
	return conv, nil
}

// decideReply applies the assignment guard and queues the asynchronous
// reply job. The job is keyed on the inbound event, so a reprocessed
// event reuses the existing job instead of spawning another.
func (o *Orchestrator) decideReply(ctx context.Context, eventID uuid.UUID, conv conversations.Conversation) (string, error) {
	if conv.Assigned() {
		return DecisionSkippedAssigned, nil
	}
	if !o.autoReplyEnabled {
		return DecisionSkippedNoContent, nil
	}

	job, wasDuplicate, err := o.tasks.EnqueueJob(ctx, eventID, conv.ID)
	if err != nil {
		return "", fmt.Errorf("enqueueing reply job: %w", err)
	}
	if wasDuplicate {
		o.log.Info("reply job already queued", "inbound_event_id", eventID, "job_id", job.ID)
	}

	if err := o.scheduler.ScheduleReplyJob(ctx, job.ID); err != nil {
		// The job row is durable; the staleness sweep or a manual kick
		// can reschedule it. The inbound event still completes.
		o.log.Error("failed to schedule reply job", "job_id", job.ID, "error", err)
	}
	return DecisionAutoReplyQueued, nil
}
