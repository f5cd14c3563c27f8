package tasks

import (
	internalhttp "crm_messaging_backend/internal/http"
	"crm_messaging_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Module struct {
	handler *Handler
	repo    *Repository
}

func NewModule(pool *pgxpool.Pool, scheduler JobScheduler, log *logger.Logger) *Module {
	repo := NewRepository(pool)
	return &Module{
		handler: NewHandler(repo, scheduler, log),
		repo:    repo,
	}
}

func (m *Module) Name() string { return "tasks" }

// Repository exposes the task and job store to the pipeline and worker.
func (m *Module) Repository() *Repository { return m.repo }

func (m *Module) RegisterRoutes(ctx *internalhttp.RouterContext) {
	group := ctx.Operator.Group("/tasks")
	group.GET("", m.handler.ListOpen)
	group.POST("/:id/complete", m.handler.Complete)

	jobs := ctx.Operator.Group("/outbound-jobs")
	jobs.GET("/:id", m.handler.GetJob)
	jobs.POST("/:id/requeue", m.handler.RequeueJob)
}
