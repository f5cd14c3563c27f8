package conversations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/platform/httpkit"
	"crm_messaging_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type fakeStore struct {
	conv           Conversation
	err            error
	assignedUserID uuid.UUID
}

func (f *fakeStore) GetByID(_ context.Context, _ uuid.UUID) (Conversation, error) {
	return f.conv, f.err
}

func (f *fakeStore) ListNeedingReply(_ context.Context, _ int) ([]Conversation, error) {
	return []Conversation{f.conv}, f.err
}

func (f *fakeStore) ListMessages(_ context.Context, _ uuid.UUID, _ int) ([]Message, error) {
	return nil, f.err
}

func (f *fakeStore) Assign(_ context.Context, _ uuid.UUID, userID uuid.UUID) (Conversation, error) {
	if f.err != nil {
		return Conversation{}, f.err
	}
	f.assignedUserID = userID
	f.conv.AssignedUserID = &userID
	return f.conv, nil
}

func (f *fakeStore) Unassign(_ context.Context, _ uuid.UUID) (Conversation, error) {
	f.conv.AssignedUserID = nil
	return f.conv, f.err
}

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

func newAssignRouter(store *fakeStore, bus events.Bus, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(store, nil, bus, logger.New("development"))

	router := gin.New()
	router.POST("/conversations/:id/assign", func(c *gin.Context) {
		c.Set(httpkit.ContextUserIDKey, userID)
		handler.Assign(c)
	})
	return router
}

func TestAssignPublishesConversationAssigned(t *testing.T) {
	convID := uuid.New()
	userID := uuid.New()
	store := &fakeStore{conv: Conversation{ID: convID, Channel: "whatsapp"}}
	bus := &recordingBus{}
	router := newAssignRouter(store, bus, userID)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/conversations/"+convID.String()+"/assign", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if store.assignedUserID != userID {
		t.Errorf("assigned user = %s, want the caller", store.assignedUserID)
	}

	if len(bus.published) != 1 {
		t.Fatalf("published %d events, want 1", len(bus.published))
	}
	assigned, ok := bus.published[0].(events.ConversationAssigned)
	if !ok {
		t.Fatalf("published %T, want ConversationAssigned", bus.published[0])
	}
	if assigned.ConversationID != convID || assigned.UserID != userID {
		t.Errorf("event = %+v, want the thread and the claiming operator", assigned)
	}
}

func TestAssignNotFoundPublishesNothing(t *testing.T) {
	store := &fakeStore{err: ErrConversationNotFound}
	bus := &recordingBus{}
	router := newAssignRouter(store, bus, uuid.New())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/conversations/"+uuid.NewString()+"/assign", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if len(bus.published) != 0 {
		t.Error("a failed assign must not announce an assignment")
	}
}
