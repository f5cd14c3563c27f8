// Package conversations owns the per-(contact, channel) message thread and
// the qualification flow state carried on it.
package conversations

import (
	"crm_messaging_backend/internal/events"
	internalhttp "crm_messaging_backend/internal/http"
	"crm_messaging_backend/platform/logger"
	"crm_messaging_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Module struct {
	handler *Handler
	repo    *Repository
}

func NewModule(pool *pgxpool.Pool, val *validator.Validator, bus events.Bus, log *logger.Logger) *Module {
	repo := NewRepository(pool)
	return &Module{
		handler: NewHandler(repo, val, bus, log),
		repo:    repo,
	}
}

// SetSender wires the outbound gate and contact lookup used by the manual
// send endpoint. The endpoint reports sending as not configured until
// both are set.
func (m *Module) SetSender(sender ReplySender, contacts ContactGetter) {
	m.handler.sender = sender
	m.handler.contacts = contacts
}

func (m *Module) Name() string { return "conversations" }

// Repository exposes the thread store to the inbound pipeline, which runs
// outside the HTTP module graph.
func (m *Module) Repository() *Repository { return m.repo }

func (m *Module) RegisterRoutes(ctx *internalhttp.RouterContext) {
	group := ctx.Operator.Group("/conversations")
	group.GET("", m.handler.ListNeedingReply)
	group.GET("/:id", m.handler.Get)
	group.GET("/:id/messages", m.handler.Messages)
	group.POST("/:id/assign", m.handler.Assign)
	group.POST("/:id/unassign", m.handler.Unassign)
	group.POST("/:id/send", m.handler.Send)
}
