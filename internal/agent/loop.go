// Package agent wires the inbound message stream to the dialogue
// engine, the session cache, and the LLM coach.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flankhq/flank/internal/bus"
	"github.com/flankhq/flank/internal/dedupe"
	"github.com/flankhq/flank/internal/dialogue"
	"github.com/flankhq/flank/internal/sequencer"
	"github.com/flankhq/flank/internal/session"
	"github.com/flankhq/flank/internal/store"
)

// Completer produces the next coaching reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, conversation string, st dialogue.State) (string, int, error)
}

// Sender delivers a text reply to a user.
type Sender interface {
	SendText(ctx context.Context, userID, text string) error
}

const (
	apologyReply     = "Sorry, something went wrong on my end. Mind sending that again?"
	askSpeakerReply  = "Got it, a forwarded conversation. Who sent the first message: you or them? (reply \"me\" or \"them\")"
	limitReply       = "You've used up the messages included in your plan. Reach out to support to top up."
	lowTokenWarning  = "\n\n(Heads up: you're close to your plan's message limit.)"
	unsupportedReply = "I can only read text messages for now. Could you type it out for me?"
)

type Config struct {
	TurnTimeout       time.Duration
	LowTokenFraction  float64
	Plans             map[string]Plan // promo code -> plan
	StatusLogsEnabled bool
}

func DefaultConfig() Config {
	return Config{
		TurnTimeout:      60 * time.Second,
		LowTokenFraction: 0.9,
	}
}

// Agent is the orchestrator: it buffers inbound messages through the
// sequencer, advances the dialogue state machine per batch, asks the
// coach for a reply, and keeps both cache tiers current.
type Agent struct {
	cfg     Config
	seq     *sequencer.Sequencer
	engine  *dialogue.Engine
	cache   *session.Cache
	durable store.Store
	coach   Completer
	sender  Sender
	plans   map[string]Plan

	mu      sync.Mutex
	greeted *dedupe.SeenCache
}

// Bounds for the "already prompted to register" cache. Unregistered
// senders are unauthenticated traffic, so the set must not grow with
// the number of distinct senders.
const (
	greetedMaxEntries = 1000
	greetedTTL        = time.Hour
)

func New(cfg Config, seqCfg sequencer.Config, engine *dialogue.Engine, cache *session.Cache, durable store.Store, coach Completer, sender Sender) *Agent {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultConfig().TurnTimeout
	}
	if cfg.LowTokenFraction <= 0 || cfg.LowTokenFraction >= 1 {
		cfg.LowTokenFraction = DefaultConfig().LowTokenFraction
	}
	plans := cfg.Plans
	if plans == nil {
		plans = map[string]Plan{}
	}

	a := &Agent{
		cfg:     cfg,
		engine:  engine,
		cache:   cache,
		durable: durable,
		coach:   coach,
		sender:  sender,
		plans:   plans,
		greeted: dedupe.NewSeenCache(greetedMaxEntries, greetedTTL),
	}
	a.seq = sequencer.New(seqCfg, func(b sequencer.Batch) { a.processBatch(b) })
	return a
}

// Attach subscribes the agent to the message bus topics.
func (a *Agent) Attach(msgBus *bus.Bus) {
	msgBus.Subscribe(bus.TopicMessage, a.handleInbound)
	msgBus.Subscribe(bus.TopicStatus, a.handleStatus)
}

// FlushAll drains every pending batch synchronously. Called on
// shutdown so buffered messages are not lost.
func (a *Agent) FlushAll() {
	for _, key := range a.seq.Keys() {
		if b := a.seq.Flush(key); b != nil {
			a.processBatch(*b)
		}
	}
}

// SetPlans swaps the promo code table, used by config hot-reload.
func (a *Agent) SetPlans(plans map[string]Plan) {
	if plans == nil {
		plans = map[string]Plan{}
	}
	a.mu.Lock()
	a.plans = plans
	a.mu.Unlock()
}

func (a *Agent) handleInbound(payload any) error {
	in, ok := payload.(bus.Inbound)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on %s", payload, bus.TopicMessage)
	}
	userID := in.From

	if in.Kind != bus.KindText {
		a.send(userID, unsupportedReply)
		return nil
	}

	// A user mid-confirmation answers the speaker question, not the
	// conversation.
	if a.seq.AwaitingSpeaker(userID) {
		role, ok := sequencer.ParseSpeakerReply(in.Text)
		if !ok {
			a.send(userID, askSpeakerReply)
			return nil
		}
		a.seq.ConfirmSpeaker(userID, role)
		return nil
	}

	batch, needConfirm := a.seq.Add(userID, in.Timestamp, in.Text, in.Forwarded)
	if needConfirm {
		a.send(userID, askSpeakerReply)
	}
	if batch != nil {
		// Size-cap flush; process off the polling goroutine like a
		// timer flush would be.
		go a.processBatch(*batch)
	}
	return nil
}

func (a *Agent) handleStatus(payload any) error {
	st, ok := payload.(bus.Status)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on %s", payload, bus.TopicStatus)
	}
	if a.cfg.StatusLogsEnabled {
		slog.Debug("delivery status", "id", st.ID, "status", st.Status, "recipient", st.RecipientID)
	}
	return nil
}

var tracer trace.Tracer = otel.Tracer("flank/agent")

func (a *Agent) processBatch(b sequencer.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TurnTimeout)
	defer cancel()

	userID := b.Key
	text := batchText(b)

	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("batch.messages", len(b.Messages)),
		attribute.Bool("batch.forwarded", b.Forwarded),
	))
	defer span.End()

	// One turn at a time per user: a timer flush, a size-cap flush, and
	// the expiry write-back all take this lock, so the session
	// read-modify-write below never interleaves with another writer for
	// the same user. Other users' turns are unaffected.
	unlock := a.cache.LockUser(userID)
	defer unlock()

	fields, err := a.cache.Get(ctx, userID)
	if errors.Is(err, session.ErrNotRegistered) {
		a.send(userID, a.tryRegister(ctx, userID, text))
		return
	}
	if err != nil {
		slog.Error("load session", "user_id", userID, "error", err)
		a.send(userID, apologyReply)
		return
	}

	used := session.FieldInt64(fields, session.FieldTokenUsed)
	limit := session.FieldInt64(fields, session.FieldTokenLimit)
	if limit > 0 && used >= limit {
		a.send(userID, limitReply)
		return
	}

	a.recordUserMessages(ctx, userID, b)

	st := stateFromFields(fields)
	st = a.engine.Next(st, dialogue.Input{Text: text})

	convo := a.conversationContext(userID, fields)
	reply, tokens, err := a.coach.Complete(ctx, convo, st)
	if err != nil {
		slog.Error("completion failed", "user_id", userID, "error", err)
		a.send(userID, apologyReply)
		return
	}

	clean, sig := parseSignals(reply)
	if sig.ToolName != "" || sig.Ready {
		st = a.engine.Next(st, dialogue.Input{SelectedTool: sig.ToolName, Ready: sig.Ready})
	}

	// Write back the full field set, not just the dialogue position: if
	// the entry lapsed mid-turn this recreates it whole, keeping the
	// plan and token limits enforceable.
	for k, v := range fieldsFromState(st) {
		fields[k] = v
	}
	a.cache.Put(userID, fields)
	if tokens > 0 {
		a.cache.AddTokens(userID, int64(tokens))
		if err := a.durable.AddTokenUsage(ctx, userID, int64(tokens)); err != nil {
			slog.Error("record token usage", "user_id", userID, "error", err)
		}
	}

	if limit > 0 && float64(used+int64(tokens)) >= a.cfg.LowTokenFraction*float64(limit) {
		clean += lowTokenWarning
	}

	a.send(userID, clean)
	a.recordBotReply(ctx, userID, clean)
}

// recordUserMessages appends the batch to the rolling conversation and
// the durable transcript, preserving speaker roles for forwarded
// batches.
func (a *Agent) recordUserMessages(ctx context.Context, userID string, b sequencer.Batch) {
	msgs := make([]store.TranscriptMessage, 0, len(b.Messages))
	for _, m := range b.Messages {
		role := "user"
		if b.Forwarded {
			role = string(m.Role)
		}
		a.cache.AppendConversation(userID, role+": "+m.Text)
		msgs = append(msgs, store.TranscriptMessage{Role: role, Text: m.Text, Timestamp: m.Timestamp})
	}
	if err := a.durable.AppendTranscript(ctx, userID, msgs); err != nil {
		slog.Error("append transcript", "user_id", userID, "error", err)
	}
}

func (a *Agent) recordBotReply(ctx context.Context, userID, text string) {
	a.cache.AppendConversation(userID, "bot: "+text)
	err := a.durable.AppendTranscript(ctx, userID, []store.TranscriptMessage{
		{Role: "bot", Text: text, Timestamp: time.Now()},
	})
	if err != nil {
		slog.Error("append transcript", "user_id", userID, "error", err)
	}
}

// conversationContext is what the coach sees: the long-term summary
// from past sessions, then the rolling conversation.
func (a *Agent) conversationContext(userID string, fields map[string]string) string {
	convo := a.cache.Conversation(userID)
	if summary := fields[session.FieldSummary]; summary != "" {
		return "Previously: " + summary + "\n\n" + convo
	}
	return convo
}

func (a *Agent) send(userID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TurnTimeout)
	defer cancel()
	if err := a.sender.SendText(ctx, userID, text); err != nil {
		slog.Error("send reply", "user_id", userID, "error", err)
	}
}

func batchText(b sequencer.Batch) string {
	parts := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n")
}

func stateFromFields(fields map[string]string) dialogue.State {
	st := dialogue.State{
		Stage:       dialogue.Stage(fields[session.FieldStage]),
		Step:        session.FieldInt(fields, session.FieldStageStep),
		ToolPhase:   dialogue.ToolPhase(fields[session.FieldToolPhase]),
		CurrentTool: fields[session.FieldCurrentTool],
	}
	if st.Stage == "" {
		st.Stage = dialogue.StageGreeting
	}
	st.ToolDeclined = fields[session.FieldToolDeclined] == "1"
	return st
}

func fieldsFromState(st dialogue.State) map[string]string {
	declined := "0"
	if st.ToolDeclined {
		declined = "1"
	}
	return map[string]string{
		session.FieldStage:        string(st.Stage),
		session.FieldStageStep:    strconv.Itoa(st.Step),
		session.FieldToolPhase:    string(st.ToolPhase),
		session.FieldCurrentTool:  st.CurrentTool,
		session.FieldToolDeclined: declined,
	}
}
