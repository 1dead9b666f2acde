package session

import (
	"sync"
	"testing"
	"time"
)

func newTestFast() (*FastCache, *time.Time) {
	c := NewFastCache(time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func TestHashEntryExpiresAtReadTime(t *testing.T) {
	c, now := newTestFast()

	c.HSet("user:u1:metadata", map[string]string{"stage": "Greeting"}, time.Minute)
	if got := c.HGetAll("user:u1:metadata"); got["stage"] != "Greeting" {
		t.Fatalf("fields = %v", got)
	}

	*now = now.Add(time.Minute + time.Second)
	if got := c.HGetAll("user:u1:metadata"); got != nil {
		t.Fatalf("expired entry still readable: %v", got)
	}
}

func TestHSetMergesAndRefreshesTTL(t *testing.T) {
	c, now := newTestFast()

	c.HSet("k", map[string]string{"a": "1", "b": "2"}, time.Minute)
	*now = now.Add(30 * time.Second)
	c.HSet("k", map[string]string{"b": "3"}, time.Minute)

	// The first write's TTL would have lapsed by now; the merge
	// refreshed it.
	*now = now.Add(45 * time.Second)
	got := c.HGetAll("k")
	if got == nil || got["a"] != "1" || got["b"] != "3" {
		t.Fatalf("fields = %v", got)
	}
}

func TestTouchRefreshesLiveEntryOnly(t *testing.T) {
	c, now := newTestFast()

	c.HSet("k", map[string]string{"a": "1"}, time.Minute)
	*now = now.Add(45 * time.Second)
	if !c.Touch("k", time.Minute) {
		t.Fatal("touch on live entry reported miss")
	}

	// Past the original deadline but inside the refreshed one.
	*now = now.Add(30 * time.Second)
	if got := c.HGetAll("k"); got == nil || got["a"] != "1" {
		t.Fatalf("fields after touch = %v", got)
	}

	// Touch never creates or resurrects.
	if c.Touch("missing", time.Minute) {
		t.Fatal("touch on missing entry reported hit")
	}
	*now = now.Add(2 * time.Minute)
	if c.Touch("k", time.Minute) {
		t.Fatal("touch on expired entry reported hit")
	}
	if got := c.HGetAll("k"); got != nil {
		t.Fatalf("expired entry resurrected: %v", got)
	}
}

func TestHIncrBy(t *testing.T) {
	c, _ := newTestFast()

	if _, ok := c.HIncrBy("missing", "token_used", 5); ok {
		t.Fatal("increment on missing entry reported ok")
	}

	c.HSet("k", map[string]string{"token_used": "10"}, time.Minute)
	n, ok := c.HIncrBy("k", "token_used", 32)
	if !ok || n != 42 {
		t.Fatalf("HIncrBy = %d, %v, want 42, true", n, ok)
	}
	n, _ = c.HIncrBy("k", "fresh_field", 7)
	if n != 7 {
		t.Fatalf("HIncrBy on absent field = %d, want 7", n)
	}
}

func TestStringEntryTTL(t *testing.T) {
	c, now := newTestFast()

	c.Set("user:u1:conversation", "user: hello", time.Hour)
	if v, ok := c.Get("user:u1:conversation"); !ok || v != "user: hello" {
		t.Fatalf("Get = %q, %v", v, ok)
	}

	*now = now.Add(time.Hour + time.Second)
	if _, ok := c.Get("user:u1:conversation"); ok {
		t.Fatal("expired string entry still readable")
	}
}

func TestSweepFiresExpiryWithFinalFields(t *testing.T) {
	c, now := newTestFast()

	var mu sync.Mutex
	var gotKey string
	var gotFields map[string]string
	fired := 0
	c.SubscribeExpiry(func(key string, fields map[string]string) {
		mu.Lock()
		defer mu.Unlock()
		gotKey = key
		gotFields = fields
		fired++
	})

	c.HSet("user:u1:metadata", map[string]string{"token_used": "99", "stage": "Tools"}, time.Minute)
	c.Sweep()
	mu.Lock()
	if fired != 0 {
		mu.Unlock()
		t.Fatal("sweep fired before expiry")
	}
	mu.Unlock()

	*now = now.Add(2 * time.Minute)
	c.Sweep()
	c.Sweep() // second sweep must not re-fire

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("fired %d times, want exactly once", fired)
	}
	if gotKey != "user:u1:metadata" {
		t.Fatalf("key = %q", gotKey)
	}
	if gotFields["token_used"] != "99" || gotFields["stage"] != "Tools" {
		t.Fatalf("fields = %v", gotFields)
	}
}

func TestDelDoesNotFireExpiry(t *testing.T) {
	c, now := newTestFast()

	fired := false
	c.SubscribeExpiry(func(string, map[string]string) { fired = true })

	c.HSet("k", map[string]string{"a": "1"}, time.Minute)
	c.Del("k")
	*now = now.Add(2 * time.Minute)
	c.Sweep()

	if fired {
		t.Fatal("explicit delete fired expiry notification")
	}
}
