package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(max int, period time.Duration) (*FixedWindow, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 7, 14, 20, 0, 0, 0, time.UTC)}
	l := New(max, period)
	l.now = clock.Now
	return l, clock
}

func TestFixedWindow_Allow(t *testing.T) {
	limiter, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("jo@example.com") {
			t.Errorf("Attempt %d should be allowed, but was denied", i+1)
		}
	}
	if limiter.Allow("jo@example.com") {
		t.Error("4th attempt should be denied, but was allowed")
	}
}

func TestFixedWindow_AccountsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Minute)

	if !limiter.Allow("a@example.com") {
		t.Error("First attempt for a should be allowed")
	}
	if limiter.Allow("a@example.com") {
		t.Error("Second attempt for a should be denied")
	}
	if !limiter.Allow("b@example.com") {
		t.Error("First attempt for b should be allowed")
	}
}

func TestFixedWindow_KeyIsCaseInsensitive(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Minute)

	limiter.Allow("Jo@Example.com")
	if limiter.Allow(" jo@example.com") {
		t.Error("Expected the same account under a different case to share a window")
	}
}

func TestFixedWindow_WindowReset(t *testing.T) {
	limiter, clock := newTestLimiter(2, time.Minute)

	limiter.Allow("jo")
	limiter.Allow("jo")
	if limiter.Allow("jo") {
		t.Error("Third attempt should be denied")
	}

	clock.Advance(time.Minute)
	if !limiter.Allow("jo") {
		t.Error("Attempt after the window should be allowed")
	}
}

func TestFixedWindow_Reset(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Hour)

	limiter.Allow("jo")
	limiter.Reset("jo")
	if !limiter.Allow("jo") {
		t.Error("Expected Reset to clear previous attempts")
	}
}

func TestFixedWindow_ZeroMax(t *testing.T) {
	limiter, _ := newTestLimiter(0, time.Minute)
	if limiter.Allow("jo") {
		t.Error("Zero max should deny everything")
	}
}

func TestFixedWindow_PrunesExpired(t *testing.T) {
	limiter, clock := newTestLimiter(5, time.Minute)

	for i := 0; i < 10; i++ {
		limiter.Allow(fmt.Sprintf("user%d", i))
	}
	clock.Advance(2 * time.Minute)
	limiter.Allow("fresh")

	limiter.mu.Lock()
	n := len(limiter.windows)
	limiter.mu.Unlock()
	if n != 1 {
		t.Errorf("Expected 1 live window after pruning, got %d", n)
	}
}

func TestFixedWindow_Concurrent(t *testing.T) {
	limiter, _ := newTestLimiter(50, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("jo") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed attempts, got %d", allowed)
	}
}

func TestUnlimited(t *testing.T) {
	var l Limiter = Unlimited{}
	for i := 0; i < 100; i++ {
		if !l.Allow("jo") {
			t.Fatal("Unlimited should always allow")
		}
	}
}
