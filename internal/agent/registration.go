package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/flankhq/flank/internal/store"
)

// Plan describes the limits granted by a promo code.
type Plan struct {
	Name         string `json:"name"`
	TokenLimit   int64  `json:"token_limit"`
	SummaryLimit int    `json:"summary_limit"`
}

const registrationPrompt = "Hey! I'm Flank. I help you work through conflicts with the people in your life. " +
	"To get started, send me your access code."

const registrationFailed = "Hmm, I don't recognize that code. Double-check it and send it again."

// tryRegister handles a message from an unregistered user: the first
// message that matches a promo code creates the account, anything else
// re-prompts. Returns the reply to send.
func (a *Agent) tryRegister(ctx context.Context, userID, text string) string {
	code := strings.ToUpper(strings.TrimSpace(text))
	a.mu.Lock()
	plan, ok := a.plans[code]
	a.mu.Unlock()
	if !ok {
		if a.greeted.Seen(userID) {
			return registrationFailed
		}
		return registrationPrompt
	}

	err := a.cache.Register(ctx, &store.User{
		UserID:       userID,
		Plan:         plan.Name,
		TokenLimit:   plan.TokenLimit,
		SummaryLimit: plan.SummaryLimit,
		Stage:        "Greeting",
	})
	if err != nil {
		slog.Error("register user", "user_id", userID, "error", err)
		return apologyReply
	}

	slog.Info("user registered", "user_id", userID, "plan", plan.Name)
	return "You're in! Tell me a bit about what's been going on."
}
