// Package session provides the tiered session cache: a TTL-bearing
// in-process fast layer in front of the durable store, with write-back
// on expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flankhq/flank/internal/store"
)

// ErrNotRegistered is returned when a user exists in neither cache tier.
var ErrNotRegistered = errors.New("session: user not registered")

// Hash field names for the per-user metadata entry.
const (
	FieldPlan         = "plan"
	FieldTokenUsed    = "token_used"
	FieldTokenLimit   = "token_limit"
	FieldSummaryLimit = "summary_limit"
	FieldStage        = "stage"
	FieldStageStep    = "stage_step"
	FieldSummary      = "summary"

	// Tool sub-protocol position; session-scoped, never written back.
	FieldToolPhase    = "tool_phase"
	FieldCurrentTool  = "current_tool"
	FieldToolDeclined = "tool_declined"
)

func MetadataKey(userID string) string     { return fmt.Sprintf("user:%s:metadata", userID) }
func ConversationKey(userID string) string { return fmt.Sprintf("user:%s:conversation", userID) }

// UserIDFromKey extracts the user id from a fast-layer key, reporting
// whether the key is a metadata entry.
func UserIDFromKey(key string) (userID string, metadata bool) {
	const prefix = "user:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	rest := key[len(prefix):]
	const suffix = ":metadata"
	if len(rest) > len(suffix) && rest[len(rest)-len(suffix):] == suffix {
		return rest[:len(rest)-len(suffix)], true
	}
	return "", false
}

type Config struct {
	MetadataTTL     time.Duration
	ConversationTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MetadataTTL:     5 * time.Minute,
		ConversationTTL: time.Hour,
	}
}

// Cache is the session layer the agent talks to. Reads hit the fast
// layer; a miss hydrates it from the durable store. Writes during a
// live session touch the fast layer only and reach the store when the
// session expires.
type Cache struct {
	cfg     Config
	fast    *FastCache
	durable store.Store
	sf      singleflight.Group
	locks   *keyLocks
}

func NewCache(cfg Config, fast *FastCache, durable store.Store) *Cache {
	if cfg.MetadataTTL <= 0 {
		cfg.MetadataTTL = DefaultConfig().MetadataTTL
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = DefaultConfig().ConversationTTL
	}
	return &Cache{cfg: cfg, fast: fast, durable: durable, locks: newKeyLocks()}
}

// LockUser takes the per-user session lock and returns the unlock func.
// Holders own the user's read-modify-write window: the expiry write-back
// takes the same lock, so a turn and a write-back for one user never
// interleave. Locks for distinct users are independent.
func (c *Cache) LockUser(userID string) func() {
	return c.locks.Lock(userID)
}

// Get returns the user's session fields, hydrating the fast layer from
// the durable store on a miss. Concurrent misses for the same user are
// collapsed into one store read. Returns ErrNotRegistered when the user
// exists in neither tier.
func (c *Cache) Get(ctx context.Context, userID string) (map[string]string, error) {
	key := MetadataKey(userID)
	if fields := c.fast.HGetAll(key); fields != nil {
		// An active session keeps its entry alive: without the refresh a
		// user chatting for longer than the TTL would expire mid-turn.
		c.fast.Touch(key, c.cfg.MetadataTTL)
		return fields, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Re-check under singleflight; a concurrent hydration may have
		// landed already.
		if fields := c.fast.HGetAll(key); fields != nil {
			return fields, nil
		}
		u, err := c.durable.GetUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		if err != nil {
			return nil, fmt.Errorf("hydrate session for %s: %w", userID, err)
		}
		fields := fieldsFromUser(u)
		c.fast.HSet(key, fields, c.cfg.MetadataTTL)
		return fields, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// Put writes session fields to the fast layer, refreshing its TTL. The
// durable store is not touched; the expiry listener persists on session
// end.
func (c *Cache) Put(userID string, fields map[string]string) {
	c.fast.HSet(MetadataKey(userID), fields, c.cfg.MetadataTTL)
}

// AddTokens bumps the session token counter in the fast layer and
// returns the new value. ok is false when no session entry exists.
func (c *Cache) AddTokens(userID string, tokens int64) (int64, bool) {
	return c.fast.HIncrBy(MetadataKey(userID), FieldTokenUsed, tokens)
}

// AppendConversation appends a line to the rolling conversation text,
// refreshing its TTL.
func (c *Cache) AppendConversation(userID, line string) {
	key := ConversationKey(userID)
	convo, _ := c.fast.Get(key)
	if convo != "" {
		convo += "\n"
	}
	c.fast.Set(key, convo+line, c.cfg.ConversationTTL)
}

// Conversation returns the rolling conversation text, or "" when none
// is live.
func (c *Cache) Conversation(userID string) string {
	convo, _ := c.fast.Get(ConversationKey(userID))
	return convo
}

// Register creates the durable record and seeds the fast layer so the
// first turn after registration needs no hydration.
func (c *Cache) Register(ctx context.Context, u *store.User) error {
	if err := c.durable.CreateUser(ctx, u); err != nil {
		return err
	}
	c.fast.HSet(MetadataKey(u.UserID), fieldsFromUser(u), c.cfg.MetadataTTL)
	return nil
}

func fieldsFromUser(u *store.User) map[string]string {
	return map[string]string{
		FieldPlan:         u.Plan,
		FieldTokenUsed:    strconv.FormatInt(u.TokenUsed, 10),
		FieldTokenLimit:   strconv.FormatInt(u.TokenLimit, 10),
		FieldSummaryLimit: strconv.Itoa(u.SummaryLimit),
		FieldStage:        u.Stage,
		FieldStageStep:    strconv.Itoa(u.StageStep),
		FieldSummary:      u.Summary,
	}
}

// FieldInt64 reads an integer hash field, defaulting to 0 when absent
// or malformed.
func FieldInt64(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	return n
}

func FieldInt(fields map[string]string, name string) int {
	n, _ := strconv.Atoi(fields[name])
	return n
}
