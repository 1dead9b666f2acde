// Package sqlite implements the durable store on a local SQLite file for
// standalone deployments without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/flankhq/flank/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL UNIQUE,
    plan TEXT NOT NULL DEFAULT '',
    token_used INTEGER NOT NULL DEFAULT 0,
    token_limit INTEGER NOT NULL DEFAULT 0,
    summary_limit INTEGER NOT NULL DEFAULT 5,
    stage TEXT NOT NULL DEFAULT 'Greeting',
    stage_step INTEGER NOT NULL DEFAULT 0,
    summary TEXT NOT NULL DEFAULT '',
    registered_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
    user_id TEXT PRIMARY KEY,
    messages TEXT NOT NULL DEFAULT '[]',
    updated_at TEXT NOT NULL
);
`

// SQLiteStore implements store.Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, plan, token_used, token_limit, summary_limit, stage, stage_step, summary, registered_at
		 FROM users WHERE user_id = ?`, userID)

	var u store.User
	var registered string
	err := row.Scan(&u.UserID, &u.Plan, &u.TokenUsed, &u.TokenLimit, &u.SummaryLimit,
		&u.Stage, &u.StageStep, &u.Summary, &registered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, registered); perr == nil {
		u.RegisteredAt = t
	}
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *store.User) error {
	registered := u.RegisteredAt
	if registered.IsZero() {
		registered = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, user_id, plan, token_used, token_limit, summary_limit, stage, stage_step, summary, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.Must(uuid.NewV7()).String(), u.UserID, u.Plan, u.TokenUsed, u.TokenLimit,
		u.SummaryLimit, u.Stage, u.StageStep, u.Summary, registered.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) AddTokenUsage(ctx context.Context, userID string, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET token_used = token_used + ? WHERE user_id = ?`, tokens, userID)
	if err != nil {
		return fmt.Errorf("add token usage for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) PersistSessionState(ctx context.Context, userID string, tokenUsed int64, stage string, stageStep int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET token_used = MAX(token_used, ?), stage = ?, stage_step = ? WHERE user_id = ?`,
		tokenUsed, stage, stageStep, userID)
	if err != nil {
		return fmt.Errorf("persist session state for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) SetSummary(ctx context.Context, userID, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET summary = ? WHERE user_id = ?`, summary, userID)
	if err != nil {
		return fmt.Errorf("set summary for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendTranscript(ctx context.Context, userID string, msgs []store.TranscriptMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append transcript for %s: %w", userID, err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT messages FROM transcripts WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		data = "[]"
	} else if err != nil {
		return fmt.Errorf("append transcript for %s: %w", userID, err)
	}

	var existing []store.TranscriptMessage
	if err := json.Unmarshal([]byte(data), &existing); err != nil {
		return fmt.Errorf("decode transcript for %s: %w", userID, err)
	}
	merged, err := json.Marshal(append(existing, msgs...))
	if err != nil {
		return fmt.Errorf("encode transcript for %s: %w", userID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcripts (user_id, messages, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		userID, string(merged), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append transcript for %s: %w", userID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, userID string) ([]store.TranscriptMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM transcripts WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript for %s: %w", userID, err)
	}

	var msgs []store.TranscriptMessage
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript for %s: %w", userID, err)
	}
	return msgs, nil
}

func (s *SQLiteStore) ClearTranscript(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clear transcript for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
