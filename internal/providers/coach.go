package providers

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flankhq/flank/internal/dialogue"
)

const basePrompt = `You are Flank, a warm, concise conflict-coaching companion.
You help the user think through an interpersonal conflict over chat.
Keep replies short (2-4 sentences), conversational, and never clinical.
When the user wants to try a concrete technique, append the marker
[tool_name=<technique>] on its own line. When a practice exchange feels
complete, append [stage_ready: true] on its own line. Never mention
these markers otherwise.`

var stagePrompts = map[dialogue.Stage]string{
	dialogue.StageGreeting:   "The conversation is just starting. Greet the user and invite them to share what's going on.",
	dialogue.StageValidation: "Acknowledge the user's feelings before anything else. Do not problem-solve yet.",
	dialogue.StageReflection: "Ask one open question that helps the user see the other person's perspective.",
	dialogue.StageTools:      "Offer or practice a concrete conflict-resolution technique (e.g. an I-statement, a cool-down pause, active listening).",
	dialogue.StageNextSteps:  "Help the user settle on one small next step they feel ready to take.",
}

var toolPhasePrompts = map[dialogue.ToolPhase]string{
	dialogue.ToolPhaseSuggesting: "Suggest one technique at a time and ask if they want to try it.",
	dialogue.ToolPhasePracticing: "Role-play the technique with the user, coaching their wording gently.",
	dialogue.ToolPhaseWrappingUp: "Wrap up the practice: name what went well and bridge to next steps.",
}

// Coach turns session context plus dialogue position into prompted LLM
// calls. It is the only place prompt text lives.
type Coach struct {
	provider Provider
	model    string
}

func NewCoach(provider Provider, model string) *Coach {
	return &Coach{provider: provider, model: model}
}

// Complete produces the next reply for the conversation so far, steered
// by the current dialogue state. Returns the reply text and the tokens
// consumed by the call.
func (c *Coach) Complete(ctx context.Context, conversation string, st dialogue.State) (string, int, error) {
	ctx, span := otel.Tracer("flank/providers").Start(ctx, "coach.complete")
	span.SetAttributes(attribute.String("dialogue.stage", string(st.Stage)))
	defer span.End()

	sys := basePrompt + "\n\n" + stagePrompts[st.Stage]
	if st.Stage == dialogue.StageTools && st.ToolPhase != dialogue.ToolPhaseNone {
		sys += "\n" + toolPhasePrompts[st.ToolPhase]
		if st.CurrentTool != "" {
			sys += fmt.Sprintf("\nThe technique being practiced is %q.", st.CurrentTool)
		}
	}

	resp, err := c.provider.Chat(ctx, ChatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: sys},
			{Role: "user", Content: conversation},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", 0, fmt.Errorf("complete: %w", err)
	}

	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	return strings.TrimSpace(resp.Content), tokens, nil
}

// Summarize condenses a finished session's transcript for long-term
// memory, bounded to maxSentences.
func (c *Coach) Summarize(ctx context.Context, transcript string, maxSentences int) (string, error) {
	ctx, span := otel.Tracer("flank/providers").Start(ctx, "coach.summarize")
	defer span.End()

	if maxSentences <= 0 {
		maxSentences = 5
	}
	sys := fmt.Sprintf(
		"Summarize this coaching conversation in at most %d sentences. "+
			"Capture the conflict, the user's feelings, and any technique they tried. "+
			"Write in third person.", maxSentences)

	resp, err := c.provider.Chat(ctx, ChatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: sys},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
