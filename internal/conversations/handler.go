package conversations

import (
	"context"
	"errors"
	"net/http"
	"time"

	"crm_messaging_backend/internal/contacts"
	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/internal/outbound"
	"crm_messaging_backend/platform/apperr"
	"crm_messaging_backend/platform/httpkit"
	"crm_messaging_backend/platform/logger"
	"crm_messaging_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ReplySender is the outbound gate surface used for manual operator
// replies. Satisfied by outbound.Gate.
type ReplySender interface {
	TrySend(ctx context.Context, req outbound.SendRequest) (outbound.SendResult, error)
}

// ContactGetter resolves the reply destination for a thread.
type ContactGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (contacts.Contact, error)
}

// Store is the thread-store surface the handler drives. Satisfied by
// *Repository.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (Conversation, error)
	ListNeedingReply(ctx context.Context, limit int) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	Assign(ctx context.Context, id uuid.UUID, userID uuid.UUID) (Conversation, error)
	Unassign(ctx context.Context, id uuid.UUID) (Conversation, error)
}

type Handler struct {
	repo     Store
	val      *validator.Validator
	sender   ReplySender
	contacts ContactGetter
	bus      events.Bus
	log      *logger.Logger
}

func NewHandler(repo Store, val *validator.Validator, bus events.Bus, log *logger.Logger) *Handler {
	return &Handler{repo: repo, val: val, bus: bus, log: log}
}

func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid conversation id"))
		return
	}

	conv, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrConversationNotFound) {
		httpkit.HandleError(c, apperr.NotFound("conversation not found"))
		return
	}
	if err != nil {
		h.log.DatabaseError("conversations.get", err)
		httpkit.HandleError(c, apperr.Internal("could not load conversation"))
		return
	}

	httpkit.OK(c, toResponse(conv))
}

func (h *Handler) ListNeedingReply(c *gin.Context) {
	convs, err := h.repo.ListNeedingReply(c.Request.Context(), 100)
	if err != nil {
		h.log.DatabaseError("conversations.list_needing_reply", err)
		httpkit.HandleError(c, apperr.Internal("could not list conversations"))
		return
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, toResponse(conv))
	}
	httpkit.OK(c, gin.H{"conversations": out})
}

// Assign puts the calling operator on the thread. Assigned threads stop
// receiving automatic replies; only a reply-due task is still created.
func (h *Handler) Assign(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid conversation id"))
		return
	}
	userID, ok := httpkit.UserID(c)
	if !ok {
		httpkit.HandleError(c, apperr.Unauthorized("missing user identity"))
		return
	}

	conv, err := h.repo.Assign(c.Request.Context(), id, userID)
	if errors.Is(err, ErrConversationNotFound) {
		httpkit.HandleError(c, apperr.NotFound("conversation not found"))
		return
	}
	if err != nil {
		h.log.DatabaseError("conversations.assign", err)
		httpkit.HandleError(c, apperr.Internal("could not assign conversation"))
		return
	}

	h.log.Info("conversation assigned", "conversation_id", id, "user_id", userID)
	h.bus.Publish(c.Request.Context(), events.ConversationAssigned{
		BaseEvent:      events.NewBaseEvent(),
		ConversationID: id,
		UserID:         userID,
	})
	httpkit.OK(c, toResponse(conv))
}

func (h *Handler) Unassign(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid conversation id"))
		return
	}

	conv, err := h.repo.Unassign(c.Request.Context(), id)
	if errors.Is(err, ErrConversationNotFound) {
		httpkit.HandleError(c, apperr.NotFound("conversation not found"))
		return
	}
	if err != nil {
		h.log.DatabaseError("conversations.unassign", err)
		httpkit.HandleError(c, apperr.Internal("could not unassign conversation"))
		return
	}

	httpkit.JSON(c, http.StatusOK, toResponse(conv))
}

// Messages returns the thread transcript, oldest first, for the operator
// detail view.
func (h *Handler) Messages(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid conversation id"))
		return
	}

	msgs, err := h.repo.ListMessages(c.Request.Context(), id, 200)
	if err != nil {
		h.log.DatabaseError("conversations.messages", err)
		httpkit.HandleError(c, apperr.Internal("could not load messages"))
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:                m.ID,
			Direction:         m.Direction,
			Body:              m.Body,
			Provider:          m.Provider,
			ProviderMessageID: m.ProviderMessageID,
			CreatedAt:         m.CreatedAt,
		})
	}
	httpkit.OK(c, gin.H{"messages": out})
}

type sendRequest struct {
	Body string `json:"body" validate:"required,min=1,max=4000"`
	// IdempotencyKey lets a retrying client collapse duplicate submits
	// onto one transmission. A fresh key is generated when omitted.
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

// Send transmits a manual operator reply through the outbound gate, so a
// double-submitted form or a retried request still reaches the contact at
// most once.
func (h *Handler) Send(c *gin.Context) {
	if h.sender == nil || h.contacts == nil {
		httpkit.HandleError(c, apperr.Internal("outbound sending is not configured"))
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid conversation id"))
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.HandleError(c, apperr.BadRequest("invalid request body"))
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.HandleError(c, apperr.Validation(err.Error()))
		return
	}

	conv, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrConversationNotFound) {
		httpkit.HandleError(c, apperr.NotFound("conversation not found"))
		return
	}
	if err != nil {
		h.log.DatabaseError("conversations.send", err)
		httpkit.HandleError(c, apperr.Internal("could not load conversation"))
		return
	}

	contact, err := h.contacts.GetByID(c.Request.Context(), conv.ContactID)
	if err != nil {
		h.log.DatabaseError("conversations.send_contact", err)
		httpkit.HandleError(c, apperr.Internal("could not resolve contact"))
		return
	}

	trigger := req.IdempotencyKey
	if trigger == "" {
		trigger = "manual." + uuid.NewString()
	}

	toAddress := contact.RawAddress
	if contact.NormalizedAddress != nil && *contact.NormalizedAddress != "" {
		toAddress = *contact.NormalizedAddress
	}

	res, err := h.sender.TrySend(c.Request.Context(), outbound.SendRequest{
		ConversationID:           conv.ID,
		TriggerProviderMessageID: trigger,
		Provider:                 conv.Channel,
		ToAddress:                toAddress,
		Body:                     req.Body,
	})
	if err != nil {
		h.log.Error("manual send failed", "conversation_id", conv.ID, "error", err)
		httpkit.HandleError(c, apperr.Internal("could not deliver message"))
		return
	}

	httpkit.OK(c, gin.H{
		"sent":                res.Sent,
		"was_duplicate":       res.WasDuplicate,
		"provider_message_id": res.ProviderMessageID,
	})
}

type messageResponse struct {
	ID                uuid.UUID `json:"id"`
	Direction         string    `json:"direction"`
	Body              string    `json:"body"`
	Provider          string    `json:"provider"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type conversationResponse struct {
	ID              uuid.UUID         `json:"id"`
	ContactID       uuid.UUID         `json:"contact_id"`
	Channel         string            `json:"channel"`
	LeadID          uuid.UUID         `json:"lead_id"`
	LastQuestionKey string            `json:"last_question_key,omitempty"`
	KnownFields     map[string]string `json:"known_fields"`
	NeedsReply      bool              `json:"needs_reply"`
	AssignedUserID  *uuid.UUID        `json:"assigned_user_id,omitempty"`
}

func toResponse(conv Conversation) conversationResponse {
	return conversationResponse{
		ID:              conv.ID,
		ContactID:       conv.ContactID,
		Channel:         conv.Channel,
		LeadID:          conv.LeadID,
		LastQuestionKey: conv.LastQuestionKey,
		KnownFields:     conv.KnownFields,
		NeedsReply:      conv.NeedsReplySince != nil,
		AssignedUserID:  conv.AssignedUserID,
	}
}
