package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// SeenCache is a bounded, TTL-based seen-set for inbound message IDs.
// The first Seen call for an ID within its TTL window returns false and
// records it; later calls return true and refresh its recency. An ID
// untouched for longer than the TTL counts as unseen again, so this is
// an at-most-once-per-window guard, not permanent dedup.
//
// Capacity is bounded: past maxItems the least-recently-touched entries
// are evicted first, expired or not. Safe for concurrent use.
type SeenCache struct {
	mu       sync.Mutex
	maxItems int
	ttl      time.Duration
	order    *list.List // front = most recently touched
	items    map[string]*list.Element

	now func() time.Time // overridable in tests
}

type seenEntry struct {
	id      string
	touched time.Time
}

func NewSeenCache(maxItems int, ttl time.Duration) *SeenCache {
	return &SeenCache{
		maxItems: maxItems,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Seen reports whether id was already recorded within the TTL window,
// recording or refreshing it either way. TTL is enforced at read time:
// an expired entry answers false even if eviction has not reclaimed it.
func (c *SeenCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpired(now)

	if elem, ok := c.items[id]; ok {
		e := elem.Value.(*seenEntry)
		expired := now.Sub(e.touched) > c.ttl
		e.touched = now
		c.order.MoveToFront(elem)
		return !expired
	}

	elem := c.order.PushFront(&seenEntry{id: id, touched: now})
	c.items[id] = elem

	for len(c.items) > c.maxItems {
		c.evictOldest()
	}
	return false
}

// Len returns the number of tracked IDs, expired entries included.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// purgeExpired drops entries whose TTL elapsed, scanning from the
// least-recently-touched end and stopping at the first live entry.
func (c *SeenCache) purgeExpired(now time.Time) {
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*seenEntry)
		if now.Sub(e.touched) <= c.ttl {
			return
		}
		c.order.Remove(back)
		delete(c.items, e.id)
	}
}

func (c *SeenCache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*seenEntry)
	c.order.Remove(back)
	delete(c.items, e.id)
}
