package email

import (
	"context"

	"crm_messaging_backend/internal/events"
	"crm_messaging_backend/platform/logger"
)

// Notifier bridges pipeline failure events to operator email. It is the
// human-visible half of the failure taxonomy: no message may fail
// silently.
type Notifier struct {
	sender Sender
	log    *logger.Logger
}

func NewNotifier(sender Sender, log *logger.Logger) *Notifier {
	return &Notifier{sender: sender, log: log}
}

// Register subscribes the notifier to the failure events. With no sender
// configured, failures still surface as tasks; email is additive.
func (n *Notifier) Register(bus events.Bus) {
	if n.sender == nil {
		return
	}

	bus.Subscribe(events.EventAutoReplyFailed, events.HandlerFunc(n.onAutoReplyFailed))
	bus.Subscribe(events.EventOutboundJobExhausted, events.HandlerFunc(n.onJobExhausted))
}

func (n *Notifier) onAutoReplyFailed(ctx context.Context, event events.Event) error {
	failure, ok := event.(events.AutoReplyFailed)
	if !ok {
		return nil
	}

	err := n.sender.SendReplyFailureEmail(ctx, failure.ConversationID.String(), failure.Reason)
	if err != nil {
		n.log.Error("failed to send reply-failure email", "conversation_id", failure.ConversationID, "error", err)
	}
	return err
}

func (n *Notifier) onJobExhausted(ctx context.Context, event events.Event) error {
	exhausted, ok := event.(events.OutboundJobExhausted)
	if !ok {
		return nil
	}

	err := n.sender.SendJobExhaustedEmail(ctx, exhausted.ConversationID.String(), exhausted.LastError)
	if err != nil {
		n.log.Error("failed to send job-exhausted email", "conversation_id", exhausted.ConversationID, "error", err)
	}
	return err
}
