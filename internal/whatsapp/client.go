// Package whatsapp is the transmission client for the WhatsApp channel.
// It talks to a gowa-compatible gateway and satisfies the outbound
// Transmitter contract.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crm_messaging_backend/platform/config"
	"crm_messaging_backend/platform/logger"
	"crm_messaging_backend/platform/phone"

	"github.com/google/uuid"
)

var ErrUnsupportedProvider = errors.New("unsupported outbound provider")

type Client struct {
	baseURL  string
	apiKey   string
	deviceID string
	http     *http.Client
	log      *logger.Logger
}

type gowaRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type gowaResponse struct {
	Results struct {
		MessageID string `json:"message_id"`
	} `json:"results"`
}

func NewClient(cfg config.WhatsAppConfig, log *logger.Logger) *Client {
	if cfg.GetWhatsAppURL() == "" {
		return nil
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.GetWhatsAppURL(), "/"),
		apiKey:   cfg.GetWhatsAppKey(),
		deviceID: cfg.GetWhatsAppDeviceID(),
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

// SupportsChannel reports whether this client can transmit on the given
// provider channel. A nil (unconfigured) client supports nothing.
func (c *Client) SupportsChannel(provider string) bool {
	return c != nil && provider == "whatsapp"
}

// SendText delivers one text message and returns the provider message id.
// The gateway does not always echo an id; a synthetic one is generated
// then so the send record is still traceable.
func (c *Client) SendText(ctx context.Context, provider, toAddress, body string) (string, error) {
	if provider != "whatsapp" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if c == nil {
		return "", errors.New("whatsapp client not configured")
	}

	normalized := strings.TrimPrefix(phone.NormalizeE164(toAddress), "+")

	payload, err := json.Marshal(gowaRequest{Phone: normalized, Message: body})
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	url := fmt.Sprintf("%s/send/message", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", formatAuthHeader(c.apiKey))
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("whatsapp service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var decoded gowaResponse
	messageID := ""
	if err := json.Unmarshal(data, &decoded); err == nil {
		messageID = decoded.Results.MessageID
	}
	if messageID == "" {
		messageID = "local." + uuid.NewString()
	}

	c.log.Info("whatsapp sent via gowa", "phone", normalized, "message_id", messageID)
	return messageID, nil
}

func formatAuthHeader(apiKey string) string {
	if strings.HasPrefix(strings.ToLower(apiKey), "basic ") {
		return apiKey
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(apiKey))
	return "Basic " + encoded
}
