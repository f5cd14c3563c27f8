// Package email notifies the operator mailbox when the automatic reply
// path gives up on a conversation.
package email

import (
	"context"
	"fmt"
	"net"
	"time"

	"crm_messaging_backend/platform/config"

	gomail "github.com/wneessen/go-mail"
)

const (
	subjectReplyFailed  = "Automatic reply failed - manual follow-up needed"
	subjectJobExhausted = "Reply job exhausted its retries - manual follow-up needed"
)

// Sender delivers operator notifications.
type Sender interface {
	SendReplyFailureEmail(ctx context.Context, conversationID, reason string) error
	SendJobExhaustedEmail(ctx context.Context, conversationID, lastError string) error
}

// SMTPSender implements Sender over a direct SMTP connection via go-mail.
type SMTPSender struct {
	host          string
	port          int
	username      string
	password      string
	fromName      string
	fromEmail     string
	operatorEmail string
}

func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	return &SMTPSender{
		host:          cfg.GetSMTPHost(),
		port:          cfg.GetSMTPPort(),
		username:      cfg.GetSMTPUsername(),
		password:      cfg.GetSMTPPassword(),
		fromName:      cfg.GetEmailFromName(),
		fromEmail:     cfg.GetEmailFromAddress(),
		operatorEmail: cfg.GetOperatorEmail(),
	}
}

func (s *SMTPSender) SendReplyFailureEmail(ctx context.Context, conversationID, reason string) error {
	content, err := renderEmailTemplate("notification.html", notificationEmailData{
		Title:          subjectReplyFailed,
		Heading:        "Automatic reply failed",
		ConversationID: conversationID,
		Reason:         reason,
	})
	if err != nil {
		return err
	}
	return s.send(ctx, subjectReplyFailed, content)
}

func (s *SMTPSender) SendJobExhaustedEmail(ctx context.Context, conversationID, lastError string) error {
	content, err := renderEmailTemplate("notification.html", notificationEmailData{
		Title:          subjectJobExhausted,
		Heading:        "Reply job exhausted its retries",
		ConversationID: conversationID,
		Reason:         "all delivery attempts failed",
		Detail:         lastError,
	})
	if err != nil {
		return err
	}
	return s.send(ctx, subjectJobExhausted, content)
}

func (s *SMTPSender) send(ctx context.Context, subject, htmlContent string) error {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.fromName, s.fromEmail); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(s.operatorEmail); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, htmlContent)

	client, err := gomail.NewClient(s.host,
		gomail.WithPort(s.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.username),
		gomail.WithPassword(s.password),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
