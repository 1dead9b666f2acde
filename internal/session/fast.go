package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ExpiryFunc is invoked once per expired fast-layer key, with a snapshot
// of the hash fields the entry held at expiry (nil for string entries).
// It runs on the janitor goroutine, never on a request path.
type ExpiryFunc func(key string, fields map[string]string)

type hashEntry struct {
	fields    map[string]string
	expiresAt time.Time
}

type stringEntry struct {
	value     string
	expiresAt time.Time
}

// FastCache is the in-process fast layer: TTL-bearing hash and string
// entries keyed per user, with key-expiration notifications delivered
// by a background janitor. TTLs are enforced at read time as well, so a
// not-yet-swept expired entry still reads as missing.
type FastCache struct {
	mu       sync.Mutex
	hashes   map[string]*hashEntry
	strings  map[string]*stringEntry
	onExpire ExpiryFunc

	janitorInterval time.Duration
	now             func() time.Time
}

func NewFastCache(janitorInterval time.Duration) *FastCache {
	if janitorInterval <= 0 {
		janitorInterval = time.Second
	}
	return &FastCache{
		hashes:          make(map[string]*hashEntry),
		strings:         make(map[string]*stringEntry),
		janitorInterval: janitorInterval,
		now:             time.Now,
	}
}

// SubscribeExpiry registers the expiry listener. Only one listener is
// supported; registering again replaces it.
func (c *FastCache) SubscribeExpiry(fn ExpiryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = fn
}

// StartJanitor runs the expiry sweep until ctx is cancelled.
func (c *FastCache) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Sweep removes expired entries and fires expiry notifications outside
// the lock. Exposed for tests; the janitor calls it periodically.
func (c *FastCache) Sweep() {
	type expired struct {
		key    string
		fields map[string]string
	}

	c.mu.Lock()
	now := c.now()
	var fired []expired
	for key, e := range c.hashes {
		if now.After(e.expiresAt) {
			fired = append(fired, expired{key: key, fields: e.fields})
			delete(c.hashes, key)
		}
	}
	for key, e := range c.strings {
		if now.After(e.expiresAt) {
			fired = append(fired, expired{key: key})
			delete(c.strings, key)
		}
	}
	fn := c.onExpire
	c.mu.Unlock()

	if fn == nil {
		return
	}
	for _, e := range fired {
		slog.Debug("fast cache key expired", "key", e.key)
		fn(e.key, e.fields)
	}
}

// HSet stores hash fields under key with the given TTL, merging into an
// existing live entry (and refreshing its TTL).
func (c *FastCache) HSet(key string, fields map[string]string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.liveHash(key)
	if e == nil {
		e = &hashEntry{fields: make(map[string]string)}
		c.hashes[key] = e
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	e.expiresAt = c.now().Add(ttl)
}

// HGetAll returns a copy of the hash fields under key, or nil when the
// entry is missing or expired.
func (c *FastCache) HGetAll(key string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.liveHash(key)
	if e == nil {
		return nil
	}
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// HIncrBy atomically adds delta to an integer hash field, creating it
// at zero if absent. Returns the new value; ok is false when the entry
// itself does not exist.
func (c *FastCache) HIncrBy(key, field string, delta int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.liveHash(key)
	if e == nil {
		return 0, false
	}
	cur, _ := strconv.ParseInt(e.fields[field], 10, 64)
	cur += delta
	e.fields[field] = strconv.FormatInt(cur, 10)
	return cur, true
}

// Touch refreshes the TTL of a live hash entry. Missing or already
// expired entries are left alone; Touch never resurrects or creates.
func (c *FastCache) Touch(key string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.liveHash(key)
	if e == nil {
		return false
	}
	e.expiresAt = c.now().Add(ttl)
	return true
}

// Set stores a string value under key with the given TTL.
func (c *FastCache) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = &stringEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Get returns the string value under key; ok is false when missing or
// expired.
func (c *FastCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.strings[key]
	if !found || c.now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

// Del removes key from both entry kinds without firing notifications.
func (c *FastCache) Del(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hashes, key)
	delete(c.strings, key)
}

func (c *FastCache) liveHash(key string) *hashEntry {
	e, found := c.hashes[key]
	if !found || c.now().After(e.expiresAt) {
		return nil
	}
	return e
}
