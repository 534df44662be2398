// Package ratelimit caps how often one account may attempt to log in.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

type Limiter interface {
	Allow(account string) bool
	Reset(account string)
}

type window struct {
	attempts int
	start    time.Time
}

// FixedWindow counts attempts per account and refuses them once max is
// reached until the window has elapsed.
type FixedWindow struct {
	max     int
	period  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
}

func New(max int, period time.Duration) *FixedWindow {
	return &FixedWindow{
		max:     max,
		period:  period,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Account keys are case-insensitive, like e-mail addresses.
func key(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

func (f *FixedWindow) Allow(account string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.max <= 0 {
		return false
	}

	now := f.now()
	k := key(account)
	w := f.windows[k]
	if w == nil || now.Sub(w.start) >= f.period {
		f.windows[k] = &window{attempts: 1, start: now}
		f.prune(now)
		return true
	}
	if w.attempts >= f.max {
		return false
	}
	w.attempts++
	return true
}

// Reset forgets an account's attempts, e.g. after a successful login.
func (f *FixedWindow) Reset(account string) {
	f.mu.Lock()
	delete(f.windows, key(account))
	f.mu.Unlock()
}

// prune drops expired windows so the map does not grow with every
// address ever seen.
func (f *FixedWindow) prune(now time.Time) {
	for k, w := range f.windows {
		if now.Sub(w.start) >= f.period {
			delete(f.windows, k)
		}
	}
}

// Unlimited never refuses.
type Unlimited struct{}

func (Unlimited) Allow(string) bool { return true }
func (Unlimited) Reset(string)      {}
