package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/flankhq/flank/internal/store"
)

// Summarizer condenses a session transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string, maxSentences int) (string, error)
}

// ExpiryHandler performs the end-of-session write-back: when a user's
// metadata entry expires, it summarizes the transcript, persists the
// summary and the final session counters to the durable store, and
// clears the per-session state. Each expiry fires the handler exactly
// once; the store's monotonic counter guard makes a duplicate delivery
// harmless.
type ExpiryHandler struct {
	cache     *Cache
	durable   store.Store
	summarize Summarizer
	timeout   time.Duration
}

func NewExpiryHandler(cache *Cache, summarize Summarizer) *ExpiryHandler {
	return &ExpiryHandler{
		cache:     cache,
		durable:   cache.durable,
		summarize: summarize,
		timeout:   30 * time.Second,
	}
}

// Attach registers the handler on the fast layer's expiry stream.
func (h *ExpiryHandler) Attach() {
	h.cache.fast.SubscribeExpiry(h.handle)
}

func (h *ExpiryHandler) handle(key string, fields map[string]string) {
	userID, metadata := UserIDFromKey(key)
	if !metadata {
		// Conversation keys expire on their own; only metadata expiry
		// ends a session.
		return
	}

	// Hold the user's session lock so the write-back cannot interleave
	// with an in-flight turn's read-modify-write of the same session.
	unlock := h.cache.LockUser(userID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	slog.Info("session expired, writing back", "user_id", userID)

	msgs, err := h.durable.GetTranscript(ctx, userID)
	if err != nil {
		slog.Error("load transcript for write-back", "user_id", userID, "error", err)
		msgs = nil
	}

	if len(msgs) > 0 {
		summary := h.summarizeTranscript(ctx, userID, msgs, FieldInt(fields, FieldSummaryLimit))
		if summary != "" {
			if err := h.durable.SetSummary(ctx, userID, summary); err != nil {
				slog.Error("persist summary", "user_id", userID, "error", err)
			}
		}
	}

	err = h.durable.PersistSessionState(ctx, userID,
		FieldInt64(fields, FieldTokenUsed),
		fields[FieldStage],
		FieldInt(fields, FieldStageStep))
	if err != nil {
		slog.Error("persist session state", "user_id", userID, "error", err)
	}

	if len(msgs) > 0 {
		if err := h.durable.ClearTranscript(ctx, userID); err != nil {
			slog.Error("clear transcript", "user_id", userID, "error", err)
		}
	}

	// Drop the rolling conversation so a returning user starts clean.
	h.cache.fast.Del(ConversationKey(userID))
}

func (h *ExpiryHandler) summarizeTranscript(ctx context.Context, userID string, msgs []store.TranscriptMessage, limit int) string {
	if limit <= 0 {
		limit = 5
	}
	transcript := renderTranscript(msgs)
	if h.summarize == nil {
		return truncateFallback(transcript)
	}
	summary, err := h.summarize.Summarize(ctx, transcript, limit)
	if err != nil {
		slog.Warn("summarize failed, storing truncated transcript", "user_id", userID, "error", err)
		return truncateFallback(transcript)
	}
	return summary
}

func renderTranscript(msgs []store.TranscriptMessage) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "\n"
		}
		out += m.Role + ": " + m.Text
	}
	return out
}

// truncateFallback keeps the tail of the transcript when the summarizer
// is unavailable, so the next session still has recent context.
func truncateFallback(transcript string) string {
	const maxLen = 1000
	if len(transcript) <= maxLen {
		return transcript
	}
	return transcript[len(transcript)-maxLen:]
}
