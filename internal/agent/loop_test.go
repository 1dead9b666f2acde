package agent

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flankhq/flank/internal/bus"
	"github.com/flankhq/flank/internal/dialogue"
	"github.com/flankhq/flank/internal/sequencer"
	"github.com/flankhq/flank/internal/session"
	"github.com/flankhq/flank/internal/store"
)

type memStore struct {
	mu          sync.Mutex
	users       map[string]*store.User
	transcripts map[string][]store.TranscriptMessage
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]*store.User),
		transcripts: make(map[string][]store.TranscriptMessage),
	}
}

func (m *memStore) GetUser(_ context.Context, userID string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) CreateUser(_ context.Context, u *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.UserID] = &cp
	return nil
}

func (m *memStore) AddTokenUsage(_ context.Context, userID string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.TokenUsed += tokens
	}
	return nil
}

func (m *memStore) PersistSessionState(context.Context, string, int64, string, int) error {
	return nil
}

func (m *memStore) SetSummary(_ context.Context, userID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.Summary = summary
	}
	return nil
}

func (m *memStore) AppendTranscript(_ context.Context, userID string, msgs []store.TranscriptMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[userID] = append(m.transcripts[userID], msgs...)
	return nil
}

func (m *memStore) GetTranscript(_ context.Context, userID string) ([]store.TranscriptMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.TranscriptMessage(nil), m.transcripts[userID]...), nil
}

func (m *memStore) ClearTranscript(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transcripts, userID)
	return nil
}

func (m *memStore) Close() error { return nil }

type fakeCoach struct {
	mu      sync.Mutex
	reply   string
	tokens  int
	err     error
	gotSt   dialogue.State
	gotConv string
}

func (c *fakeCoach) Complete(_ context.Context, conversation string, st dialogue.State) (string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gotSt = st
	c.gotConv = conversation
	return c.reply, c.tokens, c.err
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) SendText(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return s.sent[len(s.sent)-1]
}

type fixture struct {
	agent  *Agent
	store  *memStore
	coach  *fakeCoach
	sender *fakeSender
	cache  *session.Cache
	fast   *session.FastCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := newMemStore()
	fast := session.NewFastCache(time.Second)
	cache := session.NewCache(session.DefaultConfig(), fast, ms)
	coach := &fakeCoach{reply: "that sounds hard.", tokens: 10}
	sender := &fakeSender{}

	cfg := DefaultConfig()
	cfg.Plans = map[string]Plan{"FLANK2024": {Name: "starter", TokenLimit: 1000, SummaryLimit: 5}}
	a := New(cfg, sequencer.DefaultConfig(), dialogue.NewEngine(dialogue.DefaultConfig()),
		cache, ms, coach, sender)

	return &fixture{agent: a, store: ms, coach: coach, sender: sender, cache: cache, fast: fast}
}

func (f *fixture) register(t *testing.T, userID string) {
	t.Helper()
	err := f.cache.Register(context.Background(), &store.User{
		UserID: userID, Plan: "starter", TokenLimit: 1000, SummaryLimit: 5, Stage: "Greeting",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func batchOf(key string, texts ...string) sequencer.Batch {
	b := sequencer.Batch{Key: key}
	now := time.Now()
	for i, txt := range texts {
		b.Messages = append(b.Messages, sequencer.Message{
			Text: txt, Timestamp: now.Add(time.Duration(i) * time.Second), Role: sequencer.RoleUser,
		})
	}
	return b
}

func TestFirstTurnAdvancesToValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")

	f.agent.processBatch(batchOf("u1", "I'm really frustrated with my roommate"))

	if f.coach.gotSt.Stage != dialogue.StageValidation {
		t.Fatalf("coached stage = %s, want Validation", f.coach.gotSt.Stage)
	}
	if got := f.sender.last(t); got != "that sounds hard." {
		t.Fatalf("reply = %q", got)
	}

	fields, err := f.cache.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if fields[session.FieldStage] != "Validation" {
		t.Fatalf("persisted stage = %q", fields[session.FieldStage])
	}
	if session.FieldInt64(fields, session.FieldTokenUsed) != 10 {
		t.Fatalf("session tokens = %s", fields[session.FieldTokenUsed])
	}

	msgs, _ := f.store.GetTranscript(context.Background(), "u1")
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "bot" {
		t.Fatalf("transcript = %+v", msgs)
	}
	u, _ := f.store.GetUser(context.Background(), "u1")
	if u.TokenUsed != 10 {
		t.Fatalf("durable tokens = %d", u.TokenUsed)
	}
}

// blockingCoach parks inside Complete until released, so tests can
// hold a turn mid-flight.
type blockingCoach struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCoach) Complete(context.Context, string, dialogue.State) (string, int, error) {
	c.entered <- struct{}{}
	<-c.release
	return "okay.", 5, nil
}

func TestConcurrentTurnsForOneUserAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")

	bc := &blockingCoach{entered: make(chan struct{}, 2), release: make(chan struct{})}
	f.agent.coach = bc

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.agent.processBatch(batchOf("u1", "my roommate ignored me again"))
	}()
	<-bc.entered

	// A second flush lands while the first turn is mid-completion. It
	// must wait for the first turn's state write instead of reading the
	// same starting state, so the two turns advance the stage twice.
	go func() {
		defer wg.Done()
		f.agent.processBatch(batchOf("u1", "and then she slammed the door"))
	}()
	select {
	case <-bc.entered:
		t.Fatal("second turn started before the first finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(bc.release)
	wg.Wait()

	fields, err := f.cache.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if fields[session.FieldStage] != string(dialogue.StageReflection) {
		t.Fatalf("stage after two turns = %q, want Reflection", fields[session.FieldStage])
	}
}

func TestTurnSurvivesSessionEntryLoss(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")

	bc := &blockingCoach{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.agent.coach = bc

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.agent.processBatch(batchOf("u1", "hello"))
	}()
	<-bc.entered

	// The metadata entry drops out of the fast layer mid-turn. The
	// turn's write-back must recreate it whole, plan and limits
	// included, or the token gate stops enforcing.
	f.fast.Del(session.MetadataKey("u1"))
	close(bc.release)
	<-done

	fields := f.fast.HGetAll(session.MetadataKey("u1"))
	if fields == nil {
		t.Fatal("no session entry after turn")
	}
	if fields[session.FieldPlan] != "starter" {
		t.Fatalf("plan = %q, want starter", fields[session.FieldPlan])
	}
	if session.FieldInt64(fields, session.FieldTokenLimit) != 1000 {
		t.Fatalf("token limit = %q", fields[session.FieldTokenLimit])
	}
	if fields[session.FieldStage] != string(dialogue.StageValidation) {
		t.Fatalf("stage = %q, want Validation", fields[session.FieldStage])
	}
}

func TestRegistrationPromptCacheBounded(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < greetedMaxEntries+100; i++ {
		f.agent.tryRegister(context.Background(), "stranger-"+strconv.Itoa(i), "hi")
	}
	if n := f.agent.greeted.Len(); n > greetedMaxEntries {
		t.Fatalf("greeted cache holds %d entries, cap is %d", n, greetedMaxEntries)
	}
}

func TestToolSignalAdvancesSubProtocol(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.cache.Put("u1", map[string]string{
		session.FieldStage:     string(dialogue.StageTools),
		session.FieldStageStep: "0",
		session.FieldToolPhase: string(dialogue.ToolPhaseSuggesting),
	})
	f.coach.reply = "Let's try an I-statement.\n[tool_name=i_statement]"

	f.agent.processBatch(batchOf("u1", "sure, let's try it"))

	if got := f.sender.last(t); got != "Let's try an I-statement." {
		t.Fatalf("reply = %q (marker not stripped?)", got)
	}
	fields, _ := f.cache.Get(context.Background(), "u1")
	if fields[session.FieldToolPhase] != string(dialogue.ToolPhasePracticing) {
		t.Fatalf("tool phase = %q, want practicing", fields[session.FieldToolPhase])
	}
	if fields[session.FieldCurrentTool] != "i_statement" {
		t.Fatalf("current tool = %q", fields[session.FieldCurrentTool])
	}
}

func TestCompletionFailureSendsApology(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.coach.err = context.DeadlineExceeded
	f.coach.reply = ""

	f.agent.processBatch(batchOf("u1", "hello"))

	if got := f.sender.last(t); got != apologyReply {
		t.Fatalf("reply = %q, want apology", got)
	}
	// Stage must not advance on a failed turn.
	fields, _ := f.cache.Get(context.Background(), "u1")
	if fields[session.FieldStage] != "Greeting" {
		t.Fatalf("stage = %q, want Greeting", fields[session.FieldStage])
	}
}

func TestUnregisteredUserGetsPromptThenRegisters(t *testing.T) {
	f := newFixture(t)

	f.agent.processBatch(batchOf("u9", "hi"))
	if got := f.sender.last(t); got != registrationPrompt {
		t.Fatalf("reply = %q, want registration prompt", got)
	}

	f.agent.processBatch(batchOf("u9", "wrong-code"))
	if got := f.sender.last(t); got != registrationFailed {
		t.Fatalf("reply = %q, want failure notice", got)
	}

	f.agent.processBatch(batchOf("u9", "flank2024"))
	if got := f.sender.last(t); !strings.HasPrefix(got, "You're in!") {
		t.Fatalf("reply = %q, want welcome", got)
	}
	u, err := f.store.GetUser(context.Background(), "u9")
	if err != nil || u.Plan != "starter" || u.TokenLimit != 1000 {
		t.Fatalf("user = %+v, err = %v", u, err)
	}
}

func TestTokenLimitBlocksTurn(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.cache.Put("u1", map[string]string{
		session.FieldTokenUsed:  "1000",
		session.FieldTokenLimit: "1000",
	})

	f.agent.processBatch(batchOf("u1", "hello"))
	if got := f.sender.last(t); got != limitReply {
		t.Fatalf("reply = %q, want limit notice", got)
	}
}

func TestLowTokenWarningAppended(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.cache.Put("u1", map[string]string{
		session.FieldTokenUsed:  "895",
		session.FieldTokenLimit: "1000",
	})
	f.coach.tokens = 20

	f.agent.processBatch(batchOf("u1", "hello"))
	if got := f.sender.last(t); !strings.HasSuffix(got, strings.TrimSpace(lowTokenWarning)) {
		t.Fatalf("reply = %q, want low-token warning appended", got)
	}
}

func TestUnsupportedKindReply(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")

	f.agent.handleInbound(bus.Inbound{
		MessageID: "m1", From: "u1", Kind: bus.KindImage, Timestamp: time.Now(),
	})
	if got := f.sender.last(t); got != unsupportedReply {
		t.Fatalf("reply = %q", got)
	}
}

func TestForwardedSpeakerRouting(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")

	f.agent.handleInbound(bus.Inbound{
		MessageID: "m1", From: "u1", Kind: bus.KindText,
		Text: "can you believe she said this", Forwarded: true, Timestamp: time.Now(),
	})
	if got := f.sender.last(t); got != askSpeakerReply {
		t.Fatalf("reply = %q, want speaker question", got)
	}

	// A reply that isn't a speaker answer re-asks.
	f.agent.handleInbound(bus.Inbound{
		MessageID: "m2", From: "u1", Kind: bus.KindText, Text: "what?", Timestamp: time.Now(),
	})
	if got := f.sender.last(t); got != askSpeakerReply {
		t.Fatalf("reply = %q, want repeated speaker question", got)
	}

	before := len(f.sender.sent)
	f.agent.handleInbound(bus.Inbound{
		MessageID: "m3", From: "u1", Kind: bus.KindText, Text: "them", Timestamp: time.Now(),
	})
	f.sender.mu.Lock()
	after := len(f.sender.sent)
	f.sender.mu.Unlock()
	if after != before {
		t.Fatalf("speaker confirmation triggered a send: %v", f.sender.sent[before:])
	}
}

func TestSummaryPrependedToContext(t *testing.T) {
	f := newFixture(t)
	f.register(t, "u1")
	f.cache.Put("u1", map[string]string{session.FieldSummary: "ongoing roommate conflict"})

	f.agent.processBatch(batchOf("u1", "it happened again"))
	if !strings.HasPrefix(f.coach.gotConv, "Previously: ongoing roommate conflict") {
		t.Fatalf("conversation context = %q", f.coach.gotConv)
	}
}

func TestParseSignals(t *testing.T) {
	tests := []struct {
		in       string
		want     string
		wantTool string
		wantRdy  bool
	}{
		{"plain reply", "plain reply", "", false},
		{"try this.\n[tool_name=cool_down]", "try this.", "cool_down", false},
		{"nice work!\n[stage_ready: true]", "nice work!", "", true},
		{"done.\n[tool_name= pause ]\n[stage_ready: true]", "done.", "pause", true},
	}
	for _, tt := range tests {
		got, sig := parseSignals(tt.in)
		if got != tt.want || sig.ToolName != tt.wantTool || sig.Ready != tt.wantRdy {
			t.Errorf("parseSignals(%q) = %q, %+v", tt.in, got, sig)
		}
	}
}
