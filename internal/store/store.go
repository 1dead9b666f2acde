package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a user. Callers must
// treat it as "unregistered user" and drive the registration flow.
var ErrNotFound = errors.New("store: not found")

// User is the per-user durable metadata record. It is the source of
// truth across restarts; the fast cache layer holds a transient view.
type User struct {
	UserID       string
	Plan         string
	TokenUsed    int64
	TokenLimit   int64
	SummaryLimit int
	Stage        string
	StageStep    int
	Summary      string
	RegisteredAt time.Time
}

// TranscriptMessage is one line of a user's durable conversation record.
type TranscriptMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the durable document layer behind the session cache.
// Implementations: Postgres (managed) and SQLite (standalone). Writes
// are idempotent by design (field sets, guarded counters) so a
// duplicated write-back cannot corrupt state.
type Store interface {
	// GetUser returns the metadata record, or ErrNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)
	// CreateUser inserts a new metadata record.
	CreateUser(ctx context.Context, u *User) error
	// AddTokenUsage increments the user's token counter.
	AddTokenUsage(ctx context.Context, userID string, tokens int64) error
	// PersistSessionState writes back terminal state from an expired
	// fast-layer entry. tokenUsed only ever raises the stored counter,
	// keeping the write idempotent under duplicate execution.
	PersistSessionState(ctx context.Context, userID string, tokenUsed int64, stage string, stageStep int) error
	// SetSummary stores the post-session summary.
	SetSummary(ctx context.Context, userID, summary string) error

	// AppendTranscript pushes messages onto the user's transcript,
	// creating the record if needed.
	AppendTranscript(ctx context.Context, userID string, msgs []TranscriptMessage) error
	// GetTranscript returns the transcript in insertion order, empty
	// when none exists.
	GetTranscript(ctx context.Context, userID string) ([]TranscriptMessage, error)
	// ClearTranscript removes the user's transcript record.
	ClearTranscript(ctx context.Context, userID string) error

	Close() error
}
