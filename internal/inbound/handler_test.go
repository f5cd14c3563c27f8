package inbound

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crm_messaging_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

type fakeProcessor struct {
	processed []Message
	err       error
}

func (f *fakeProcessor) Process(_ context.Context, msg Message) error {
	f.processed = append(f.processed, msg)
	return f.err
}

func newTestRouter(processor Processor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(processor, nil, "verify-secret", logger.New("development"))

	router := gin.New()
	router.GET("/webhook/:provider", handler.HandleVerify)
	router.POST("/webhook/:provider", handler.HandleDelivery)
	return router
}

func TestHandleDeliveryProcessesMessages(t *testing.T) {
	processor := &fakeProcessor{}
	router := newTestRouter(processor)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(whatsAppTextDelivery))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(processor.processed) != 1 {
		t.Fatalf("processed %d messages, want 1", len(processor.processed))
	}
}

func TestHandleDeliveryAnswersRetryableOnProcessorError(t *testing.T) {
	processor := &fakeProcessor{err: errors.New("pool exhausted")}
	router := newTestRouter(processor)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(whatsAppTextDelivery))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 so the provider redelivers", rec.Code)
	}
}

func TestHandleDeliveryAcknowledgesStatusOnlyPayload(t *testing.T) {
	processor := &fakeProcessor{}
	router := newTestRouter(processor)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(whatsAppStatusDelivery))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(processor.processed) != 0 {
		t.Fatalf("status delivery must not reach the processor, got %d", len(processor.processed))
	}
}

func TestHandleDeliveryAcknowledgesUnknownProvider(t *testing.T) {
	processor := &fakeProcessor{}
	router := newTestRouter(processor)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(`{}`))
	router.ServeHTTP(rec, req)

	// Redelivery cannot fix an unsupported provider, so acknowledge.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleVerify(t *testing.T) {
	router := newTestRouter(&fakeProcessor{})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"valid handshake", "hub.mode=subscribe&hub.verify_token=verify-secret&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", http.StatusForbidden, ""},
		{"missing mode", "hub.verify_token=verify-secret&hub.challenge=12345", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?"+tt.query, nil)
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}
