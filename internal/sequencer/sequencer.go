package sequencer

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Role identifies the speaker of a buffered message.
type Role string

const (
	RoleUser  Role = "user"
	RoleOther Role = "other"
)

// Message is one raw inbound text unit pending aggregation. Messages are
// never mutated after creation; a flush moves them into a Batch.
type Message struct {
	Text      string
	Timestamp time.Time
	Role      Role
	Forwarded bool
}

// Batch is an ordered group of messages produced by one flush. It is
// immutable once produced; messages are sorted by ascending timestamp.
type Batch struct {
	Key       string
	Messages  []Message
	Forwarded bool
	Duration  time.Duration
}

// FlushFunc receives batches flushed by the quiet-window timer. It runs
// on the timer goroutine without holding the sequencer lock, so it may
// block on external calls.
type FlushFunc func(Batch)

// Config tunes the debounce behaviour.
type Config struct {
	QuietWindow      time.Duration // idle time before a flush (default 2s)
	MaxMessages      int           // buffer size forcing an immediate flush
	ForwardedTimeout time.Duration // idle time ending forwarded collection
}

func DefaultConfig() Config {
	return Config{
		QuietWindow:      2 * time.Second,
		MaxMessages:      100,
		ForwardedTimeout: 60 * time.Second,
	}
}

// Sequencer buffers message bursts per conversation key and flushes them
// as ordered batches once a quiet window elapses or the buffer fills.
// Only one delay timer is outstanding per key; a new arrival cancels and
// replaces it atomically with the append.
type Sequencer struct {
	cfg     Config
	onFlush FlushFunc

	mu      sync.Mutex
	buffers map[string][]Message
	timers  map[string]*time.Timer
	forward map[string]*forwardState
}

func New(cfg Config, onFlush FlushFunc) *Sequencer {
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = 2 * time.Second
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 100
	}
	if cfg.ForwardedTimeout <= 0 {
		cfg.ForwardedTimeout = 60 * time.Second
	}
	return &Sequencer{
		cfg:     cfg,
		onFlush: onFlush,
		buffers: make(map[string][]Message),
		timers:  make(map[string]*time.Timer),
		forward: make(map[string]*forwardState),
	}
}

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n+`)
)

// cleanText collapses runs of whitespace the way chat clients tend to
// produce them.
func cleanText(text string) string {
	text = newlineRuns.ReplaceAllString(text, " ")
	text = spaceRuns.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Add appends one message to key's buffer and re-arms the key's flush
// timer. It returns a non-nil batch only when the size cap forces an
// immediate flush; timer-driven flushes go to the FlushFunc instead.
//
// The second result is true when this message opened forwarded mode and
// the caller must ask the user who sent the first forwarded message
// (see ConfirmSpeaker).
func (s *Sequencer) Add(key string, ts time.Time, text string, forwarded bool) (*Batch, bool) {
	s.mu.Lock()

	if forwarded {
		if fs := s.forward[key]; fs == nil {
			// First forwarded message: hold it until the user confirms
			// the speaker. Nothing is buffered yet.
			s.forward[key] = &forwardState{pendingText: cleanText(text), pendingTS: ts, awaiting: true}
			s.armTimerLocked(key)
			s.mu.Unlock()
			return nil, true
		}
	}

	if fs := s.forward[key]; fs != nil && fs.awaiting {
		// Still waiting for the speaker confirmation; the caller routes
		// confirmation replies through ConfirmSpeaker, so anything else
		// arriving here is held off by re-arming the timer.
		s.armTimerLocked(key)
		s.mu.Unlock()
		return nil, false
	}

	if fs := s.forward[key]; fs != nil {
		// Raw text here: forwarded collections are split per line, so
		// newline runs must survive to appendForwardedLocked.
		done := s.appendForwardedLocked(key, fs, ts, text)
		if done {
			batch := s.flushLocked(key)
			s.mu.Unlock()
			return batch, false
		}
		s.armTimerLocked(key)
		s.mu.Unlock()
		return nil, false
	}

	s.buffers[key] = append(s.buffers[key], Message{
		Text:      cleanText(text),
		Timestamp: ts,
		Role:      RoleUser,
		Forwarded: false,
	})

	if len(s.buffers[key]) >= s.cfg.MaxMessages {
		batch := s.flushLocked(key)
		s.mu.Unlock()
		return batch, false
	}

	s.armTimerLocked(key)
	s.mu.Unlock()
	return nil, false
}

// Flush force-flushes key's buffer, cancelling any pending timer.
// Returns nil when the buffer is empty.
func (s *Sequencer) Flush(key string) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(key)
}

// Keys lists conversation keys with buffered messages.
func (s *Sequencer) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	return keys
}

// armTimerLocked cancels key's pending timer, if any, and arms a fresh
// one. Must be called with s.mu held, which makes cancel/append/rearm a
// single atomic step with respect to concurrent flushes.
func (s *Sequencer) armTimerLocked(key string) {
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	delay := s.cfg.QuietWindow
	if fs := s.forward[key]; fs != nil {
		delay = s.cfg.ForwardedTimeout
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.timerFire(key, timer)
	})
	s.timers[key] = timer
}

// timerFire runs on the timer goroutine. A timer that was replaced after
// it was scheduled finds it is no longer the armed timer and gives up.
func (s *Sequencer) timerFire(key string, self *time.Timer) {
	s.mu.Lock()
	if s.timers[key] != self {
		s.mu.Unlock()
		return
	}
	batch := s.flushLocked(key)
	s.mu.Unlock()

	if batch != nil && s.onFlush != nil {
		s.onFlush(*batch)
	}
}

// flushLocked drains key's buffer into a batch. A forwarded collection
// that never got its speaker confirmed flushes the pending line as a
// user message rather than dropping it.
func (s *Sequencer) flushLocked(key string) *Batch {
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}

	forwarded := false
	if fs, ok := s.forward[key]; ok {
		forwarded = fs.collected
		if fs.awaiting && fs.pendingText != "" {
			s.buffers[key] = append(s.buffers[key], Message{
				Text:      fs.pendingText,
				Timestamp: fs.pendingTS,
				Role:      RoleUser,
				Forwarded: true,
			})
			forwarded = true
		}
		delete(s.forward, key)
	}

	msgs := s.buffers[key]
	if len(msgs) == 0 {
		return nil
	}
	delete(s.buffers, key)

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	duration := msgs[len(msgs)-1].Timestamp.Sub(msgs[0].Timestamp)
	if duration < 0 {
		duration = 0
	}

	slog.Debug("sequencer flush", "key", key, "messages", len(msgs), "forwarded", forwarded)

	return &Batch{Key: key, Messages: msgs, Forwarded: forwarded, Duration: duration}
}
