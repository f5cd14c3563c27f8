// Package replydraft generates the conversational text of automatic
// replies. It is a collaborator of the pipeline, not part of its
// correctness core: when drafting fails the pipeline still completes and
// the failure is surfaced as an operator task.
package replydraft

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/google/uuid"

	"crm_messaging_backend/platform/ai/moonshot"
	"crm_messaging_backend/platform/logger"
)

const appName = "messaging_reply_drafter"

const instruction = `You are a courteous assistant for a UAE business-setup consultancy,
replying to prospects on WhatsApp and Instagram.

RULES:
1. Reply in the prospect's language when it is clear, otherwise in English.
2. Keep replies short: two or three sentences, no markdown, no emoji spam.
3. When a QUESTION TO ASK is provided, your reply must end with exactly that question.
4. Never invent prices, legal guarantees, or timelines.
5. Never mention being an assistant or an automated system.`

// DraftInput carries the conversation context the drafter may use.
type DraftInput struct {
	ConversationID uuid.UUID
	ContactName    string
	// KnownFields holds the already-answered qualification fields.
	KnownFields map[string]string
	// LatestText is the inbound message being answered.
	LatestText string
	// QuestionKey and QuestionText describe the next qualification
	// question, when one should be asked.
	QuestionKey  string
	QuestionText string
	// History holds recent thread lines, oldest first, formatted as
	// "direction: text".
	History []string
}

// Drafter produces reply text with an LLM agent. A nil Drafter is valid
// and reports drafting as unavailable.
type Drafter struct {
	runner         *runner.Runner
	sessionService session.Service
	log            *logger.Logger
}

func New(apiKey string, log *logger.Logger) *Drafter {
	if apiKey == "" {
		return nil
	}

	kimi := moonshot.NewModel(moonshot.Config{APIKey: apiKey, DisableThinking: true})

	adkAgent, err := llmagent.New(llmagent.Config{
		Name:        "MessagingReplyDrafter",
		Model:       kimi,
		Description: "Drafts short conversational replies for inbound prospect messages.",
		Instruction: instruction,
	})
	if err != nil {
		log.Error("failed to create reply drafter agent", "error", err)
		return nil
	}

	sessionService := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          adkAgent,
		SessionService: sessionService,
	})
	if err != nil {
		log.Error("failed to create reply drafter runner", "error", err)
		return nil
	}

	return &Drafter{runner: r, sessionService: sessionService, log: log}
}

// Draft produces the reply text for one inbound message. Each call runs
// in a fresh session; the durable conversation state is passed in, not
// accumulated in the agent.
func (d *Drafter) Draft(ctx context.Context, input DraftInput) (string, error) {
	if d == nil || d.runner == nil {
		return "", errors.New("reply drafting is not configured")
	}

	userID := "conversation-" + input.ConversationID.String()
	sessionID := uuid.NewString()

	if _, err := d.sessionService.Create(ctx, &session.CreateRequest{
		AppName:   appName,
		UserID:    userID,
		SessionID: sessionID,
	}); err != nil {
		return "", fmt.Errorf("creating drafter session: %w", err)
	}

	userMessage := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: buildPrompt(input)}},
	}

	var output strings.Builder
	for event, err := range d.runner.Run(ctx, userID, sessionID, userMessage, agent.RunConfig{StreamingMode: agent.StreamingModeNone}) {
		if err != nil {
			return "", fmt.Errorf("running reply drafter: %w", err)
		}
		if event.Content == nil {
			continue
		}
		for _, part := range event.Content.Parts {
			output.WriteString(part.Text)
		}
	}

	text := strings.TrimSpace(output.String())
	if text == "" {
		return "", errors.New("reply drafter produced no text")
	}
	return text, nil
}

func buildPrompt(input DraftInput) string {
	var b strings.Builder

	if input.ContactName != "" {
		fmt.Fprintf(&b, "PROSPECT NAME: %s\n", input.ContactName)
	}
	if len(input.KnownFields) > 0 {
		b.WriteString("KNOWN DETAILS:\n")
		for key, value := range input.KnownFields {
			fmt.Fprintf(&b, "- %s: %s\n", strings.ToLower(key), value)
		}
	}
	if len(input.History) > 0 {
		b.WriteString("RECENT CONVERSATION:\n")
		for _, line := range input.History {
			fmt.Fprintf(&b, "%s\n", line)
		}
	}
	fmt.Fprintf(&b, "LATEST MESSAGE FROM PROSPECT:\n%s\n", input.LatestText)
	if input.QuestionText != "" {
		fmt.Fprintf(&b, "QUESTION TO ASK: %s\n", input.QuestionText)
	} else {
		b.WriteString("All qualification details are known; acknowledge and let them know a consultant will follow up.\n")
	}

	return b.String()
}
