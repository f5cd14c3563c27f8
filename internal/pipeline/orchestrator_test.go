package pipeline

import (
	"context"
	"errors"
	"testing"
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

type fakeGate struct {
	admitted   bool
	admitErr   error
	eventID    uuid.UUID
	finalized  []string
	finalizeTo uuid.UUID
}

func (f *fakeGate) Admit(_ context.Context, _, _ string) (inbound.Admission, error) {
	if f.admitErr != nil {
		return inbound.Admission{}, f.admitErr
	}
	return inbound.Admission{Admitted: f.admitted, EventID: f.eventID, Status: inbound.StatusProcessing}, nil
}

func (f *fakeGate) Finalize(_ context.Context, eventID uuid.UUID, status string, _ error) error {
	f.finalized = append(f.finalized, status)
	f.finalizeTo = eventID
	return nil
}

type fakeIdentity struct {
	contact       contacts.Contact
	resolveErr    error
	displayNames  []string
	nationalities []string
}

func (f *fakeIdentity) Resolve(_ context.Context, _ contacts.ResolveInput) (contacts.Contact, error) {
	return f.contact, f.resolveErr
}

func (f *fakeIdentity) SetNationality(_ context.Context, _ uuid.UUID, n string) error {
	f.nationalities = append(f.nationalities, n)
	return nil
}

func (f *fakeIdentity) SetDisplayName(_ context.Context, _ uuid.UUID, n string) error {
	f.displayNames = append(f.displayNames, n)
	return nil
}

type fakeLeads struct {
	lead       leads.Lead
	categories []string
}

func (f *fakeLeads) EnsureActive(_ context.Context, _ uuid.UUID) (leads.Lead, error) {
	return f.lead, nil
}

func (f *fakeLeads) SetServiceCategory(_ context.Context, _ uuid.UUID, c string) error {
	f.categories = append(f.categories, c)
	return nil
}

type fakeConversations struct {
	conv           conversations.Conversation
	merged         map[string]string
	cleared        bool
	touched        bool
	recordedBodies []string
}

func (f *fakeConversations) Upsert(_ context.Context, _ uuid.UUID, _ string, _ uuid.UUID) (conversations.Conversation, error) {
	return f.conv, nil
}

func (f *fakeConversations) TouchInbound(_ context.Context, _ uuid.UUID, _ time.Time) error {
	f.touched = true
	return nil
}

func (f *fakeConversations) RecordInbound(_ context.Context, _ uuid.UUID, _, _, body string) (uuid.UUID, error) {
	f.recordedBodies = append(f.recordedBodies, body)
	return uuid.New(), nil
}

func (f *fakeConversations) MergeKnownFields(_ context.Context, _ uuid.UUID, fields map[string]string) (conversations.Conversation, error) {
	f.merged = fields
	merged := f.conv
	merged.KnownFields = fields
	return merged, nil
}

func (f *fakeConversations) ClearQuestion(_ context.Context, _ uuid.UUID) error {
	f.cleared = true
	return nil
}

type fakeTasks struct {
	upserted  []tasks.UpsertTaskParams
	job       tasks.OutboundJob
	duplicate bool
	enqueued  int
}

func (f *fakeTasks) UpsertTask(_ context.Context, p tasks.UpsertTaskParams) (uuid.UUID, error) {
	f.upserted = append(f.upserted, p)
	return uuid.New(), nil
}

func (f *fakeTasks) EnqueueJob(_ context.Context, _, _ uuid.UUID) (tasks.OutboundJob, bool, error) {
	f.enqueued++
	return f.job, f.duplicate, nil
}

type fakeScheduler struct {
	scheduled []uuid.UUID
	err       error
}

func (f *fakeScheduler) ScheduleReplyJob(_ context.Context, jobID uuid.UUID) error {
	f.scheduled = append(f.scheduled, jobID)
	return f.err
}

type fixture struct {
	gate  *fakeGate
	ident *fakeIdentity
	leads *fakeLeads
	convs *fakeConversations
	tasks *fakeTasks
	sched *fakeScheduler
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("development")

	f := &fixture{
		gate:  &fakeGate{admitted: true, eventID: uuid.New()},
		ident: &fakeIdentity{contact: contacts.Contact{ID: uuid.New()}},
		leads: &fakeLeads{lead: leads.Lead{ID: uuid.New()}},
		convs: &fakeConversations{conv: conversations.Conversation{ID: uuid.New(), KnownFields: map[string]string{}}},
		tasks: &fakeTasks{job: tasks.OutboundJob{ID: uuid.New()}},
		sched: &fakeScheduler{},
	}
	f.orch = NewOrchestrator(Config{
		Gate:             f.gate,
		Identity:         f.ident,
		Leads:            f.leads,
		Conversations:    f.convs,
		Tasks:            f.tasks,
		Registry:         flow.StandardRegistry(flow.DefaultKeywords()),
		Scheduler:        f.sched,
		Bus:              events.NewInMemoryBus(log),
		Log:              log,
		AutoReplyEnabled: true,
	})
	return f
}

func testMessage(text string) inbound.Message {
	return inbound.Message{
		Provider:          "whatsapp",
		ProviderMessageID: "wamid.test.1",
		Address:           "971501234567",
		PlatformContactID: "971501234567",
		Text:              text,
		Timestamp:         time.Now().UTC(),
	}
}

func TestProcessHappyPathQueuesReplyAndCompletes(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.Process(context.Background(), testMessage("hello, I need a trade license")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(f.gate.finalized) != 1 || f.gate.finalized[0] != inbound.StatusCompleted {
		t.Fatalf("finalized = %v, want [completed]", f.gate.finalized)
	}
	if !f.convs.touched || len(f.convs.recordedBodies) != 1 {
		t.Fatal("conversation must be touched and the message materialized")
	}
	if len(f.tasks.upserted) != 1 || f.tasks.upserted[0].TaskType != tasks.TypeReplyDue {
		t.Fatalf("tasks = %+v, want one reply_due", f.tasks.upserted)
	}
	if f.tasks.enqueued != 1 || len(f.sched.scheduled) != 1 {
		t.Fatal("a reply job must be enqueued and scheduled")
	}
}

func TestProcessDuplicateDeliveryShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.gate.admitted = false

	if err := f.orch.Process(context.Background(), testMessage("hello again")); err != nil {
		t.Fatalf("duplicate must be acknowledged without error, got %v", err)
	}

	if len(f.convs.recordedBodies) != 0 || len(f.tasks.upserted) != 0 || f.tasks.enqueued != 0 {
		t.Fatal("duplicate delivery must not reach any processing step")
	}
	if len(f.gate.finalized) != 0 {
		t.Fatal("duplicate delivery must not touch the winner's dedup record")
	}
}

func TestProcessAssignedConversationSkipsAutoReply(t *testing.T) {
	f := newFixture(t)
	operator := uuid.New()
	f.convs.conv.AssignedUserID = &operator

	if err := f.orch.Process(context.Background(), testMessage("are you there?")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if f.tasks.enqueued != 0 || len(f.sched.scheduled) != 0 {
		t.Fatal("assigned conversation must never get an automatic reply")
	}
	// The human still needs to know a reply is due.
	if len(f.tasks.upserted) != 1 || f.tasks.upserted[0].TaskType != tasks.TypeReplyDue {
		t.Fatal("reply-due task must still be raised for the assignee")
	}
	if f.gate.finalized[0] != inbound.StatusCompleted {
		t.Fatalf("event must complete, finalized = %v", f.gate.finalized)
	}
}

func TestProcessExtractionAdvancesFlowState(t *testing.T) {
	f := newFixture(t)
	f.convs.conv.LastQuestionKey = flow.FieldNationality

	if err := f.orch.Process(context.Background(), testMessage("USA")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if f.convs.merged[flow.FieldNationality] != "USA" {
		t.Fatalf("merged = %v, want NATIONALITY=USA", f.convs.merged)
	}
	if !f.convs.cleared {
		t.Fatal("answered question must clear the pending-question state")
	}
	if len(f.ident.nationalities) != 1 || f.ident.nationalities[0] != "USA" {
		t.Fatalf("contact nationality propagation = %v", f.ident.nationalities)
	}
}

func TestProcessVolunteeredFieldsReachDurableRecords(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.Process(context.Background(), testMessage("Abdurahman\nBusiness\nChina")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if f.convs.merged[flow.FieldName] != "Abdurahman" ||
		f.convs.merged[flow.FieldService] != "business-setup" ||
		f.convs.merged[flow.FieldNationality] != "China" {
		t.Fatalf("merged = %v", f.convs.merged)
	}
	if len(f.ident.displayNames) != 1 || len(f.ident.nationalities) != 1 || len(f.leads.categories) != 1 {
		t.Fatal("every volunteered field must reach its durable record")
	}
}

func TestProcessFailureFinalizesEventAsFailed(t *testing.T) {
	f := newFixture(t)
	f.ident.resolveErr = errors.New("pool exhausted")

	err := f.orch.Process(context.Background(), testMessage("hello"))
	if err == nil {
		t.Fatal("resolver failure must propagate for webhook retry semantics")
	}
	if len(f.gate.finalized) != 1 || f.gate.finalized[0] != inbound.StatusFailed {
		t.Fatalf("finalized = %v, want [failed]: the record must never stay processing", f.gate.finalized)
	}
	if f.gate.finalizeTo != f.gate.eventID {
		t.Fatal("the admitted event must be the one finalized")
	}
}

func TestProcessSchedulerOutageStillCompletesEvent(t *testing.T) {
	f := newFixture(t)
	f.sched.err = errors.New("redis down")

	if err := f.orch.Process(context.Background(), testMessage("hello")); err != nil {
		t.Fatalf("scheduler outage must not fail the inbound event, got %v", err)
	}
	if f.gate.finalized[0] != inbound.StatusCompleted {
		t.Fatalf("finalized = %v, want [completed]", f.gate.finalized)
	}
}
