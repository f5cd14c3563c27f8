// Package inbound provides the webhook ingress bounded context: payload
// decoding, the inbound dedup gate, and the public delivery endpoints.
package inbound

import (
	internalhttp "crm_messaging_backend/internal/http"
	"crm_messaging_backend/platform/config"
	"crm_messaging_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the inbound bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	repo    *Repository
}

func NewModule(pool *pgxpool.Pool, processor Processor, archiver Archiver, cfg config.WebhookConfig, log *logger.Logger) *Module {
	return &Module{
		handler: NewHandler(processor, archiver, cfg.GetWebhookVerifyToken(), log),
		repo:    NewRepository(pool),
	}
}

func (m *Module) Name() string { return "inbound" }

// Repository exposes the dedup gate to the pipeline and the staleness
// sweep worker.
func (m *Module) Repository() *Repository { return m.repo }

func (m *Module) RegisterRoutes(ctx *internalhttp.RouterContext) {
	group := ctx.V1.Group("/webhook")
	group.Use(ctx.WebhookRateLimiter.RateLimit())
	group.GET("/:provider", m.handler.HandleVerify)
	group.POST("/:provider", m.handler.HandleDelivery)
}

var _ internalhttp.Module = (*Module)(nil)
