package inbound

import (
	"context"
	"errors"
	"net/http"

	"crm_messaging_backend/platform/httpkit"
	"crm_messaging_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

// Processor consumes one normalized inbound message. A returned error
// means processing could not start or complete durably; the webhook then
// answers with a retryable status so the provider redelivers. Redelivery
// is safe because admitted messages are deduplicated.
type Processor interface {
	Process(ctx context.Context, msg Message) error
}

// Archiver stores the raw webhook body for later inspection. Archiving is
// best effort and never fails a delivery.
type Archiver interface {
	ArchivePayload(ctx context.Context, provider string, body []byte)
}

type Handler struct {
	processor   Processor
	archiver    Archiver
	verifyToken string
	log         *logger.Logger
}

func NewHandler(processor Processor, archiver Archiver, verifyToken string, log *logger.Logger) *Handler {
	return &Handler{processor: processor, archiver: archiver, verifyToken: verifyToken, log: log}
}

// HandleDelivery accepts a webhook delivery.
// POST /api/v1/webhook/:provider
//
// Replies 200 for anything that must not be redelivered (processed,
// duplicate, status-only, malformed) and 502 only for transient failures
// where redelivery can succeed.
func (h *Handler) HandleDelivery(c *gin.Context) {
	provider := c.Param("provider")

	body, err := c.GetRawData()
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "unreadable request body", nil)
		return
	}

	if h.archiver != nil {
		h.archiver.ArchivePayload(c.Request.Context(), provider, body)
	}

	messages, err := DecodeMessages(provider, body)
	if errors.Is(err, ErrUnrecognizedPayload) {
		// Redelivering a payload we cannot parse will never help.
		h.log.InboundEvent(provider, "", "unrecognized_payload")
		httpkit.OK(c, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid payload", nil)
		return
	}
	if len(messages) == 0 {
		httpkit.OK(c, gin.H{"status": "no_messages"})
		return
	}

	for _, msg := range messages {
		if err := h.processor.Process(c.Request.Context(), msg); err != nil {
			h.log.InboundEvent(msg.Provider, msg.ProviderMessageID, "retryable_failure")
			httpkit.Error(c, http.StatusBadGateway, "temporarily unable to process delivery", nil)
			return
		}
	}

	httpkit.OK(c, gin.H{"status": "accepted", "messages": len(messages)})
}

// HandleVerify answers the Meta webhook subscription handshake.
// GET /api/v1/webhook/:provider
func (h *Handler) HandleVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token == "" || token != h.verifyToken {
		httpkit.Error(c, http.StatusForbidden, "verification failed", nil)
		return
	}
	c.String(http.StatusOK, challenge)
}
