package scheduler

import (
	"context"
	"time"

	"crm_messaging_backend/internal/conversations"
	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/internal/tasks"
	"crm_messaging_backend/platform/logger"

	"github.com/google/uuid"
)

const defaultJobStaleAfter = 10 * time.Minute

// StaleJobStore is the job surface the sweeper drives. Satisfied by
// tasks.Repository.
type StaleJobStore interface {
	ReleaseStaleGenerating(ctx context.Context, olderThan time.Duration) ([]tasks.OutboundJob, error)
	UpsertTask(ctx context.Context, p tasks.UpsertTaskParams) (uuid.UUID, error)
}

// ConversationGetter resolves the lead behind a released job's thread.
type ConversationGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (conversations.Conversation, error)
}

// StaleJobSweeper periodically fails reply jobs stuck in GENERATING. A
// worker crash between claim and settle would otherwise park the job
// outside the reach of both the claim guard and the operator requeue.
// Each released job raises a reply-failed task so it surfaces to an
// operator rather than vanishing.
type StaleJobSweeper struct {
	jobs          StaleJobStore
	conversations ConversationGetter
	bus           events.Bus
	log           *logger.Logger
	interval      time.Duration
	staleAfter    time.Duration
}

func NewStaleJobSweeper(jobs StaleJobStore, convs ConversationGetter, bus events.Bus, log *logger.Logger, interval, staleAfter time.Duration) *StaleJobSweeper {
	if interval <= 0 {
		interval = defaultStaleSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultJobStaleAfter
	}

	return &StaleJobSweeper{
		jobs:          jobs,
		conversations: convs,
		bus:           bus,
		log:           log,
		interval:      interval,
		staleAfter:    staleAfter,
	}
}

func (s *StaleJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *StaleJobSweeper) sweep(ctx context.Context) {
	released, err := s.jobs.ReleaseStaleGenerating(ctx, s.staleAfter)
	if err != nil {
		s.log.Warn("stale job sweep failed", "error", err)
		return
	}

	for _, job := range released {
		s.log.Warn("released stalled reply job", "job_id", job.ID, "conversation_id", job.ConversationID, "attempts", job.Attempts)
		s.escalate(ctx, job)
	}
}

func (s *StaleJobSweeper) escalate(ctx context.Context, job tasks.OutboundJob) {
	if conv, err := s.conversations.GetByID(ctx, job.ConversationID); err != nil {
		s.log.DatabaseError("scheduler.sweep_load_conversation", err)
	} else if conv.LeadID != uuid.Nil {
		if _, err := s.jobs.UpsertTask(ctx, tasks.UpsertTaskParams{
			LeadID:   conv.LeadID,
			TaskType: tasks.TypeReplyFailed,
			Title:    "Automatic reply stalled - follow up manually",
			DueAt:    time.Now().UTC(),
		}); err != nil {
			s.log.DatabaseError("scheduler.sweep_raise_task", err)
		}
	}

	lastError := "reply generation stalled"
	if job.LastError != nil && *job.LastError != "" {
		lastError = *job.LastError
	}
	s.bus.Publish(ctx, events.OutboundJobExhausted{
		BaseEvent:      events.NewBaseEvent(),
		JobID:          job.ID,
		InboundEventID: job.InboundEventID,
		ConversationID: job.ConversationID,
		LastError:      lastError,
	})
}
