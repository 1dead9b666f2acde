package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flankhq/flank/internal/store"
)

// PGStore implements store.Store backed by Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) GetUser(ctx context.Context, userID string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, plan, token_used, token_limit, summary_limit, stage, stage_step, summary, registered_at
		 FROM users WHERE user_id = $1`, userID)

	var u store.User
	err := row.Scan(&u.UserID, &u.Plan, &u.TokenUsed, &u.TokenLimit, &u.SummaryLimit,
		&u.Stage, &u.StageStep, &u.Summary, &u.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &u, nil
}

func (s *PGStore) CreateUser(ctx context.Context, u *store.User) error {
	registered := u.RegisteredAt
	if registered.IsZero() {
		registered = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, user_id, plan, token_used, token_limit, summary_limit, stage, stage_step, summary, registered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.Must(uuid.NewV7()), u.UserID, u.Plan, u.TokenUsed, u.TokenLimit,
		u.SummaryLimit, u.Stage, u.StageStep, u.Summary, registered)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.UserID, err)
	}
	return nil
}

func (s *PGStore) AddTokenUsage(ctx context.Context, userID string, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET token_used = token_used + $2 WHERE user_id = $1`,
		userID, tokens)
	if err != nil {
		return fmt.Errorf("add token usage for %s: %w", userID, err)
	}
	return nil
}

// PersistSessionState writes back stage position and the token counter
// from an expired session. GREATEST keeps the counter monotonic, so a
// duplicated write-back is harmless.
func (s *PGStore) PersistSessionState(ctx context.Context, userID string, tokenUsed int64, stage string, stageStep int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users
		 SET token_used = GREATEST(token_used, $2), stage = $3, stage_step = $4
		 WHERE user_id = $1`,
		userID, tokenUsed, stage, stageStep)
	if err != nil {
		return fmt.Errorf("persist session state for %s: %w", userID, err)
	}
	return nil
}

func (s *PGStore) SetSummary(ctx context.Context, userID, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET summary = $2, summary_updated_at = now() WHERE user_id = $1`,
		userID, summary)
	if err != nil {
		return fmt.Errorf("set summary for %s: %w", userID, err)
	}
	return nil
}

func (s *PGStore) Close() error {
	return s.db.Close()
}
