package agent

import (
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	rl.mu.Lock()
	rl.now = clock.Now
	rl.mu.Unlock()

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests rejected")
	}
	if rl.Allow("a") {
		t.Error("third request within window allowed")
	}
	if !rl.Allow("b") {
		t.Error("other key throttled")
	}

	clock.Advance(30 * time.Second)
	if rl.Allow("a") {
		t.Error("request allowed before window slid")
	}
	clock.Advance(31 * time.Second)
	if !rl.Allow("a") {
		t.Error("request rejected after window slid")
	}
}

func TestRateLimiter_Evict(t *testing.T) {
	t.Parallel()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(5, time.Minute)
	defer rl.Stop()
	rl.mu.Lock()
	rl.now = clock.Now
	rl.mu.Unlock()

	rl.Allow("gone")
	clock.Advance(30 * time.Second)
	rl.Allow("kept")
	clock.Advance(45 * time.Second)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["gone"]; ok {
		t.Error("expired key not evicted")
	}
	if got := len(rl.requests["kept"]); got != 1 {
		t.Errorf("kept key has %d entries, want 1", got)
	}
}

func TestRateLimiter_StopIdempotent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, time.Millisecond)
	rl.Stop()
	rl.Stop()
}
