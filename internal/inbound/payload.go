package inbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Channel identifiers accepted on the webhook ingress path.
const (
	ProviderWhatsApp  = "whatsapp"
	ProviderInstagram = "instagram"
)

var ErrUnrecognizedPayload = errors.New("unrecognized webhook payload")

// Message is one normalized inbound message, provider quirks stripped.
type Message struct {
	Provider          string
	ProviderMessageID string
	// Address is the sender's raw address (phone number for WhatsApp,
	// numeric account id for Instagram).
	Address           string
	PlatformContactID string
	DisplayName       string
	Text              string
	Timestamp         time.Time
}

// DecodeMessages extracts the text messages from a raw webhook delivery.
// Status-only deliveries (read receipts, delivery confirmations) decode
// to an empty slice and are acknowledged without processing.
func DecodeMessages(provider string, body []byte) ([]Message, error) {
	switch provider {
	case ProviderWhatsApp:
		return decodeWhatsApp(body)
	case ProviderInstagram:
		return decodeInstagram(body)
	default:
		return nil, fmt.Errorf("%w: provider %q", ErrUnrecognizedPayload, provider)
	}
}

// whatsAppPayload mirrors the Meta Cloud API webhook envelope, fields we
// do not use omitted.
type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func decodeWhatsApp(body []byte) ([]Message, error) {
	var payload whatsAppPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}

	var out []Message
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value

			names := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range value.Messages {
				if msg.ID == "" || msg.From == "" {
					continue
				}
				if msg.Type != "" && msg.Type != "text" {
					continue
				}
				out = append(out, Message{
					Provider:          ProviderWhatsApp,
					ProviderMessageID: msg.ID,
					Address:           msg.From,
					PlatformContactID: msg.From,
					DisplayName:       names[msg.From],
					Text:              msg.Text.Body,
					Timestamp:         parseUnixSeconds(msg.Timestamp),
				})
			}
		}
	}
	return out, nil
}

// instagramPayload mirrors the Messenger Platform webhook envelope used
// for Instagram DMs.
type instagramPayload struct {
	Entry []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Timestamp int64 `json:"timestamp"`
			Message   struct {
				MID    string `json:"mid"`
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

func decodeInstagram(body []byte) ([]Message, error) {
	var payload instagramPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}

	var out []Message
	for _, entry := range payload.Entry {
		for _, event := range entry.Messaging {
			if event.Message.MID == "" || event.Sender.ID == "" {
				continue
			}
			// Echoes are our own outbound messages reflected back.
			if event.Message.IsEcho {
				continue
			}
			out = append(out, Message{
				Provider:          ProviderInstagram,
				ProviderMessageID: event.Message.MID,
				Address:           event.Sender.ID,
				PlatformContactID: event.Sender.ID,
				Text:              event.Message.Text,
				Timestamp:         time.UnixMilli(event.Timestamp).UTC(),
			})
		}
	}
	return out, nil
}

func parseUnixSeconds(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
