package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/flankhq/flank/internal/store"
)

// AppendTranscript pushes messages onto the user's transcript document,
// creating it on first write.
func (s *PGStore) AppendTranscript(ctx context.Context, userID string, msgs []store.TranscriptMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal transcript for %s: %w", userID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts (id, user_id, messages, updated_at)
		 VALUES ($1, $2, $3::jsonb, now())
		 ON CONFLICT (user_id)
		 DO UPDATE SET messages = transcripts.messages || EXCLUDED.messages, updated_at = now()`,
		uuid.Must(uuid.NewV7()), userID, data)
	if err != nil {
		return fmt.Errorf("append transcript for %s: %w", userID, err)
	}
	return nil
}

func (s *PGStore) GetTranscript(ctx context.Context, userID string) ([]store.TranscriptMessage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM transcripts WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript for %s: %w", userID, err)
	}

	var msgs []store.TranscriptMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript for %s: %w", userID, err)
	}
	return msgs, nil
}

func (s *PGStore) ClearTranscript(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM transcripts WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear transcript for %s: %w", userID, err)
	}
	return nil
}
