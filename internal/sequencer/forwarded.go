package sequencer

import (
	"strings"
	"time"
)

// TerminatingToken ends a forwarded-message collection.
const TerminatingToken = "done"

// forwardState tracks one conversation's forwarded-message collection.
// The first forwarded message is held back until the user confirms who
// sent it; subsequent untagged lines alternate speakers strictly.
type forwardState struct {
	awaiting    bool   // waiting for the speaker confirmation reply
	pendingText string // first forwarded message, buffered once confirmed
	pendingTS   time.Time
	lastSpeaker Role
	collected   bool // at least one forwarded line has been buffered
}

// AwaitingSpeaker reports whether key's forwarded collection is blocked
// on the one-time speaker confirmation exchange.
func (s *Sequencer) AwaitingSpeaker(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.forward[key]
	return fs != nil && fs.awaiting
}

// ConfirmSpeaker resolves the confirmation exchange: the held first
// forwarded message is buffered under the given role and alternation
// starts from it. Returns false if no confirmation was pending.
func (s *Sequencer) ConfirmSpeaker(key string, role Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := s.forward[key]
	if fs == nil || !fs.awaiting {
		return false
	}

	s.buffers[key] = append(s.buffers[key], Message{
		Text:      fs.pendingText,
		Timestamp: fs.pendingTS,
		Role:      role,
		Forwarded: true,
	})
	fs.awaiting = false
	fs.pendingText = ""
	fs.lastSpeaker = role
	fs.collected = true

	s.armTimerLocked(key)
	return true
}

// ParseSpeakerReply maps a confirmation reply onto a role. ok is false
// when the reply is not recognizable and the user should be re-asked.
func ParseSpeakerReply(text string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "me", "i", "user", "u":
		return RoleUser, true
	case "them", "friend", "other", "f":
		return RoleOther, true
	default:
		return "", false
	}
}

// appendForwardedLocked buffers forwarded lines during an active
// collection, alternating the speaker from the previous line. Returns
// true when the terminating token arrived and the batch should flush.
// Must be called with s.mu held.
func (s *Sequencer) appendForwardedLocked(key string, fs *forwardState, ts time.Time, text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, TerminatingToken) {
			return true
		}

		speaker := RoleUser
		if fs.lastSpeaker == RoleUser {
			speaker = RoleOther
		}
		s.buffers[key] = append(s.buffers[key], Message{
			Text:      line,
			Timestamp: ts,
			Role:      speaker,
			Forwarded: true,
		})
		fs.lastSpeaker = speaker
		fs.collected = true
	}
	return false
}
