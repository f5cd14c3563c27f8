package tasks

import (
	"context"
	"errors"
	"time"

	"crm_messaging_backend/platform/apperr"
	"crm_messaging_backend/platform/httpkit"
	"crm_messaging_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// JobScheduler re-enqueues a requeued outbound job with the async worker.
type JobScheduler interface {
	ScheduleReplyJob(ctx context.Context, jobID uuid.UUID) error
}

type Handler struct {
	repo      *Repository
	scheduler JobScheduler
	log       *logger.Logger
}

func NewHandler(repo *Repository, scheduler JobScheduler, log *logger.Logger) *Handler {
	return &Handler{repo: repo, scheduler: scheduler, log: log}
}

func (h *Handler) ListOpen(c *gin.Context) {
	list, err := h.repo.ListOpen(c.Request.Context(), 200)
	if err != nil {
		h.log.DatabaseError("tasks.list_open", err)
		httpkit.HandleError(c, apperr.Internal("could not list tasks"))
		return
	}

	out := make([]taskResponse, 0, len(list))
	for _, t := range list {
		out = append(out, toTaskResponse(t))
	}
	httpkit.OK(c, gin.H{"tasks": out})
}

func (h *Handler) Complete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid task id"))
		return
	}

	if err := h.repo.CompleteTask(c.Request.Context(), id); err != nil {
		h.log.DatabaseError("tasks.complete", err)
		httpkit.HandleError(c, apperr.Internal("could not complete task"))
		return
	}
	httpkit.OK(c, gin.H{"completed": true})
}

func (h *Handler) GetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid job id"))
		return
	}

	job, err := h.repo.GetJob(c.Request.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		httpkit.HandleError(c, apperr.NotFound("outbound job not found"))
		return
	}
	if err != nil {
		h.log.DatabaseError("tasks.get_job", err)
		httpkit.HandleError(c, apperr.Internal("could not load job"))
		return
	}
	httpkit.OK(c, toJobResponse(job))
}

// RequeueJob resets a failed or skipped outbound job and hands it back to
// the worker. Jobs in any other state are rejected, not reset.
func (h *Handler) RequeueJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid job id"))
		return
	}

	job, err := h.repo.RequeueJob(c.Request.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		httpkit.HandleError(c, apperr.Conflict("job is not in a requeueable state"))
		return
	}
	if err != nil {
		h.log.DatabaseError("tasks.requeue_job", err)
		httpkit.HandleError(c, apperr.Internal("could not requeue job"))
		return
	}

	if h.scheduler != nil {
		if err := h.scheduler.ScheduleReplyJob(c.Request.Context(), job.ID); err != nil {
			// The job row is already pending; the worker will pick it up
			// on the next requeue even though this schedule attempt failed.
			h.log.Error("failed to schedule requeued job", "job_id", job.ID, "error", err)
		}
	}

	h.log.Info("outbound job requeued", "job_id", job.ID)
	httpkit.OK(c, toJobResponse(job))
}

type taskResponse struct {
	ID       uuid.UUID `json:"id"`
	LeadID   uuid.UUID `json:"lead_id"`
	TaskType string    `json:"task_type"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	DueAt    string    `json:"due_at"`
}

func toTaskResponse(t Task) taskResponse {
	return taskResponse{
		ID:       t.ID,
		LeadID:   t.LeadID,
		TaskType: t.TaskType,
		Title:    t.Title,
		Status:   t.Status,
		DueAt:    t.DueAt.UTC().Format(time.RFC3339),
	}
}

type jobResponse struct {
	ID             uuid.UUID `json:"id"`
	InboundEventID uuid.UUID `json:"inbound_event_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error,omitempty"`
}

func toJobResponse(job OutboundJob) jobResponse {
	return jobResponse{
		ID:             job.ID,
		InboundEventID: job.InboundEventID,
		ConversationID: job.ConversationID,
		Status:         job.Status,
		Attempts:       job.Attempts,
		LastError:      job.LastError,
	}
}
