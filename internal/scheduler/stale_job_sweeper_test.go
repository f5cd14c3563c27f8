package scheduler

import (
	"context"
	"testing"
	"time"

	"crm_messaging_backend/internal/conversations"
	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/internal/tasks"
	"crm_messaging_backend/platform/logger"

	"github.com/google/uuid"
)

type fakeStaleJobStore struct {
	released    []tasks.OutboundJob
	releaseErr  error
	cutoffs     []time.Duration
	raisedTasks []tasks.UpsertTaskParams
}

func (f *fakeStaleJobStore) ReleaseStaleGenerating(_ context.Context, olderThan time.Duration) ([]tasks.OutboundJob, error) {
	f.cutoffs = append(f.cutoffs, olderThan)
	return f.released, f.releaseErr
}

func (f *fakeStaleJobStore) UpsertTask(_ context.Context, p tasks.UpsertTaskParams) (uuid.UUID, error) {
	f.raisedTasks = append(f.raisedTasks, p)
	return uuid.New(), nil
}

func TestStaleJobSweepEscalatesReleasedJobs(t *testing.T) {
	leadID := uuid.New()
	convID := uuid.New()
	lastError := "worker crashed mid-generation"
	job := tasks.OutboundJob{
		ID:             uuid.New(),
		InboundEventID: uuid.New(),
		ConversationID: convID,
		Status:         tasks.JobStatusFailed,
		Attempts:       2,
		LastError:      &lastError,
	}

	store := &fakeStaleJobStore{released: []tasks.OutboundJob{job}}
	convs := &fakeConvReader{conv: conversations.Conversation{ID: convID, LeadID: leadID}}
	bus := &recordingBus{}

	s := NewStaleJobSweeper(store, convs, bus, logger.New("development"), time.Minute, 10*time.Minute)
	s.sweep(context.Background())

	if len(store.cutoffs) != 1 || store.cutoffs[0] != 10*time.Minute {
		t.Fatalf("release cutoffs = %v, want one sweep at the configured staleness", store.cutoffs)
	}

	if len(store.raisedTasks) != 1 {
		t.Fatalf("expected one follow-up task, got %d", len(store.raisedTasks))
	}
	raised := store.raisedTasks[0]
	if raised.LeadID != leadID {
		t.Errorf("task lead = %s, want the thread's lead", raised.LeadID)
	}
	if raised.TaskType != tasks.TypeReplyFailed {
		t.Errorf("task type = %q, want %q", raised.TaskType, tasks.TypeReplyFailed)
	}

	if len(bus.published) != 1 {
		t.Fatalf("expected one event, got %d", len(bus.published))
	}
	exhausted, ok := bus.published[0].(events.OutboundJobExhausted)
	if !ok {
		t.Fatalf("published %T, want OutboundJobExhausted", bus.published[0])
	}
	if exhausted.JobID != job.ID || exhausted.LastError != lastError {
		t.Errorf("event = %+v, want the released job's id and last error", exhausted)
	}
}

func TestStaleJobSweepWithoutLeadStillPublishes(t *testing.T) {
	job := tasks.OutboundJob{
		ID:             uuid.New(),
		InboundEventID: uuid.New(),
		ConversationID: uuid.New(),
		Status:         tasks.JobStatusFailed,
	}

	store := &fakeStaleJobStore{released: []tasks.OutboundJob{job}}
	convs := &fakeConvReader{conv: conversations.Conversation{ID: job.ConversationID}}
	bus := &recordingBus{}

	s := NewStaleJobSweeper(store, convs, bus, logger.New("development"), time.Minute, 10*time.Minute)
	s.sweep(context.Background())

	if len(store.raisedTasks) != 0 {
		t.Error("no follow-up task without a lead to attach it to")
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected the exhaustion event, got %d events", len(bus.published))
	}
}

func TestStaleJobSweepQuietWhenNothingIsStuck(t *testing.T) {
	store := &fakeStaleJobStore{}
	bus := &recordingBus{}

	s := NewStaleJobSweeper(store, &fakeConvReader{}, bus, logger.New("development"), time.Minute, 10*time.Minute)
	s.sweep(context.Background())

	if len(store.raisedTasks) != 0 || len(bus.published) != 0 {
		t.Error("a clean sweep must not raise tasks or events")
	}
}
