package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm_messaging_backend/internal/contacts"
	"crm_messaging_backend/internal/conversations"
	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/internal/inbound"
	"crm_messaging_backend/internal/outbound"
	"crm_messaging_backend/internal/replydraft"
	"crm_messaging_backend/internal/tasks"
	"crm_messaging_backend/platform/logger"

	"github.com/google/uuid"
)

type fakeJobStore struct {
	job          tasks.OutboundJob
	claimErr     error
	sentDraft    string
	sentCalled   bool
	failedCalled bool
	skipReason   string
	raisedTasks  []tasks.UpsertTaskParams
}

func (f *fakeJobStore) ClaimForGeneration(_ context.Context, jobID uuid.UUID) (tasks.OutboundJob, error) {
	if f.claimErr != nil {
		return tasks.OutboundJob{}, f.claimErr
	}
	f.job.Attempts++
	return f.job, nil
}

func (f *fakeJobStore) MarkJobSent(_ context.Context, _ uuid.UUID, draft string) error {
	f.sentCalled = true
	f.sentDraft = draft
	return nil
}

func (f *fakeJobStore) MarkJobFailed(_ context.Context, _ uuid.UUID, _ error) error {
	f.failedCalled = true
	return nil
}

func (f *fakeJobStore) MarkJobSkipped(_ context.Context, _ uuid.UUID, reason string) error {
	f.skipReason = reason
	return nil
}

func (f *fakeJobStore) UpsertTask(_ context.Context, p tasks.UpsertTaskParams) (uuid.UUID, error) {
	f.raisedTasks = append(f.raisedTasks, p)
	return uuid.New(), nil
}

type fakeConvReader struct {
	conv     conversations.Conversation
	messages []conversations.Message
}

func (f *fakeConvReader) GetByID(_ context.Context, _ uuid.UUID) (conversations.Conversation, error) {
	return f.conv, nil
}

// ListRecentMessages mimics the repository contract: the newest limit
// messages, returned oldest first.
func (f *fakeConvReader) ListRecentMessages(_ context.Context, _ uuid.UUID, limit int) ([]conversations.Message, error) {
	if len(f.messages) > limit {
		return f.messages[len(f.messages)-limit:], nil
	}
	return f.messages, nil
}

type fakeContactReader struct {
	contact contacts.Contact
	err     error
}

func (f *fakeContactReader) GetByID(_ context.Context, _ uuid.UUID) (contacts.Contact, error) {
	return f.contact, f.err
}

type fakeEventReader struct {
	event inbound.EventRecord
}

func (f *fakeEventReader) GetByID(_ context.Context, _ uuid.UUID) (inbound.EventRecord, error) {
	return f.event, nil
}

type fakeGate struct {
	result   outbound.SendResult
	err      error
	requests []outbound.SendRequest
}

func (f *fakeGate) TrySend(_ context.Context, req outbound.SendRequest) (outbound.SendResult, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

type fakeDrafter struct {
	body   string
	err    error
	inputs []replydraft.DraftInput
}

func (f *fakeDrafter) Draft(_ context.Context, input replydraft.DraftInput) (string, error) {
	f.inputs = append(f.inputs, input)
	return f.body, f.err
}

type fakeChannels struct{}

func (fakeChannels) SupportsChannel(provider string) bool { return provider == "whatsapp" }

type recordingBus struct {
	published []events.Event
}

func (b *recordingBus) Publish(_ context.Context, event events.Event) {
	b.published = append(b.published, event)
}

func (b *recordingBus) PublishSync(_ context.Context, event events.Event) error {
	b.published = append(b.published, event)
	return nil
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

type processorFixture struct {
	processor *ReplyProcessor
	jobs      *fakeJobStore
	convs     *fakeConvReader
	contacts  *fakeContactReader
	gate      *fakeGate
	drafter   *fakeDrafter
	bus       *recordingBus
	jobID     uuid.UUID
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()

	jobID := uuid.New()
	convID := uuid.New()
	contactID := uuid.New()
	leadID := uuid.New()
	eventID := uuid.New()

	normalized := "971501234567"
	name := "Fatima"

	f := &processorFixture{
		jobID: jobID,
		jobs: &fakeJobStore{job: tasks.OutboundJob{
			ID:             jobID,
			InboundEventID: eventID,
			ConversationID: convID,
			Status:         tasks.JobStatusPending,
		}},
		convs: &fakeConvReader{
			conv: conversations.Conversation{
				ID:          convID,
				ContactID:   contactID,
				Channel:     "whatsapp",
				LeadID:      leadID,
				KnownFields: map[string]string{"NAME": "Fatima"},
			},
			messages: []conversations.Message{
				{Direction: conversations.DirectionInbound, Body: "I want to open a company"},
			},
		},
		contacts: &fakeContactReader{contact: contacts.Contact{
			ID:                contactID,
			RawAddress:        "+971501234567",
			NormalizedAddress: &normalized,
			DisplayName:       &name,
		}},
		gate:    &fakeGate{result: outbound.SendResult{Sent: true, ProviderMessageID: "wamid.1"}},
		drafter: &fakeDrafter{body: "Happy to help! Which service are you interested in?"},
		bus:     &recordingBus{},
	}

	f.processor = NewReplyProcessor(ReplyProcessorConfig{
		Jobs:          f.jobs,
		Conversations: f.convs,
		Contacts:      f.contacts,
		InboundEvents: &fakeEventReader{event: inbound.EventRecord{ID: eventID, Provider: "whatsapp", ProviderMessageID: "wamid.in.1"}},
		Channels:      fakeChannels{},
		Gate:          f.gate,
		Drafter:       f.drafter,
		Bus:           f.bus,
		Log:           logger.New("development"),
		MaxAttempts:   3,
	})
	return f
}

func TestProcessJobSendsDraftThroughGate(t *testing.T) {
	f := newProcessorFixture(t)

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	if len(f.gate.requests) != 1 {
		t.Fatalf("expected one send, got %d", len(f.gate.requests))
	}
	req := f.gate.requests[0]
	if req.Body != f.drafter.body {
		t.Errorf("sent body %q, want drafted text", req.Body)
	}
	if req.ToAddress != "971501234567" {
		t.Errorf("ToAddress = %q, want normalized address", req.ToAddress)
	}
	if req.TriggerProviderMessageID != "wamid.in.1" {
		t.Errorf("TriggerProviderMessageID = %q", req.TriggerProviderMessageID)
	}
	if req.QuestionKey != "SERVICE" {
		t.Errorf("QuestionKey = %q, want SERVICE (next unanswered field)", req.QuestionKey)
	}
	if !f.jobs.sentCalled || f.jobs.sentDraft != f.drafter.body {
		t.Error("job not marked sent with the drafted text")
	}
}

func TestProcessJobSkipsAssignedConversation(t *testing.T) {
	f := newProcessorFixture(t)
	operator := uuid.New()
	f.convs.conv.AssignedUserID = &operator

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	if len(f.gate.requests) != 0 {
		t.Error("assigned conversation must not receive an automatic send")
	}
	if f.jobs.skipReason == "" {
		t.Error("job should be marked skipped")
	}
}

func TestProcessJobVanishedJobIsTerminal(t *testing.T) {
	f := newProcessorFixture(t)
	f.jobs.claimErr = tasks.ErrJobNotFound

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("vanished job should not be retried: %v", err)
	}
	if len(f.gate.requests) != 0 {
		t.Error("no send expected for a vanished job")
	}
}

func TestProcessJobDrafterOutageFallsBackToQuestion(t *testing.T) {
	f := newProcessorFixture(t)
	f.drafter.body = ""
	f.drafter.err = errors.New("model unavailable")

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	if len(f.gate.requests) != 1 {
		t.Fatal("expected the fallback question to be sent")
	}
	if f.gate.requests[0].Body == "" {
		t.Error("fallback body is empty")
	}
	if f.gate.requests[0].QuestionKey != "SERVICE" {
		t.Errorf("fallback QuestionKey = %q", f.gate.requests[0].QuestionKey)
	}
}

func TestProcessJobCompleteFieldsSendNoQuestion(t *testing.T) {
	f := newProcessorFixture(t)
	f.convs.conv.KnownFields = map[string]string{
		"NAME":        "Fatima",
		"SERVICE":     "freezone-setup",
		"NATIONALITY": "India",
	}
	f.drafter.body = "Great, our consultant will reach out shortly."

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	if f.gate.requests[0].QuestionKey != "" {
		t.Errorf("QuestionKey = %q, want none when every field is known", f.gate.requests[0].QuestionKey)
	}
}

func TestProcessJobDuplicateSendStillCompletes(t *testing.T) {
	f := newProcessorFixture(t)
	f.gate.result = outbound.SendResult{Sent: false, WasDuplicate: true}

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	if !f.jobs.sentCalled {
		t.Error("duplicate suppression should settle the job as sent")
	}
}

func TestProcessJobDraftsFromNewestMessages(t *testing.T) {
	f := newProcessorFixture(t)

	// A thread longer than the history window: the drafter must see the
	// newest slice, not the opening of the conversation.
	f.convs.messages = nil
	for i := 0; i < 30; i++ {
		f.convs.messages = append(f.convs.messages, conversations.Message{
			Direction: conversations.DirectionOutbound,
			Body:      "earlier reply",
		})
	}
	f.convs.messages = append(f.convs.messages, conversations.Message{
		Direction: conversations.DirectionInbound,
		Body:      "I am from India by the way",
	})

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	if len(f.drafter.inputs) != 1 {
		t.Fatalf("expected one draft call, got %d", len(f.drafter.inputs))
	}
	input := f.drafter.inputs[0]
	if input.LatestText != "I am from India by the way" {
		t.Errorf("LatestText = %q, want the newest inbound message", input.LatestText)
	}
	if len(input.History) != 20 {
		t.Errorf("history length = %d, want the 20 most recent messages", len(input.History))
	}
	if last := input.History[len(input.History)-1]; last != "inbound: I am from India by the way" {
		t.Errorf("history tail = %q, want the triggering inbound", last)
	}
}

func TestProcessJobSkipsChannelWithoutTransmitter(t *testing.T) {
	f := newProcessorFixture(t)
	f.convs.conv.Channel = "instagram"

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("unsendable channel must not be retried: %v", err)
	}

	if len(f.gate.requests) != 0 {
		t.Error("no send expected on a channel without a transmitter")
	}
	if f.jobs.failedCalled {
		t.Error("job must be skipped, not failed: retrying cannot succeed")
	}
	if f.jobs.skipReason == "" {
		t.Error("job should be marked skipped")
	}
}

func TestProcessJobTransientFailureIsRetried(t *testing.T) {
	f := newProcessorFixture(t)
	f.gate.err = errors.New("gateway timeout")

	err := f.processor.ProcessJob(context.Background(), f.jobID)
	if err == nil {
		t.Fatal("first failed attempt should be returned for retry")
	}
	if !f.jobs.failedCalled {
		t.Error("job should be marked failed")
	}
	if len(f.jobs.raisedTasks) != 0 {
		t.Error("no follow-up task before the attempt budget runs out")
	}
	if len(f.bus.published) != 0 {
		t.Error("no events before exhaustion")
	}
}

func TestProcessJobExhaustionRaisesTaskAndEvents(t *testing.T) {
	f := newProcessorFixture(t)
	f.gate.err = errors.New("gateway down")
	f.jobs.job.Attempts = 2 // claim will bump to the third and final attempt

	if err := f.processor.ProcessJob(context.Background(), f.jobID); err != nil {
		t.Fatalf("exhausted job must not be retried: %v", err)
	}

	if len(f.jobs.raisedTasks) != 1 {
		t.Fatalf("expected one follow-up task, got %d", len(f.jobs.raisedTasks))
	}
	raised := f.jobs.raisedTasks[0]
	if raised.TaskType != tasks.TypeReplyFailed {
		t.Errorf("task type = %q, want %q", raised.TaskType, tasks.TypeReplyFailed)
	}
	if raised.DueAt.After(time.Now().UTC().Add(time.Minute)) {
		t.Error("follow-up task should be due immediately")
	}

	var sawFailed, sawExhausted bool
	for _, ev := range f.bus.published {
		switch ev.(type) {
		case events.AutoReplyFailed:
			sawFailed = true
		case events.OutboundJobExhausted:
			sawExhausted = true
		}
	}
	if !sawFailed || !sawExhausted {
		t.Errorf("published events = %v, want AutoReplyFailed and OutboundJobExhausted", f.bus.published)
	}
}
