// Package fixedwindow implements a keyed fixed-window counter. A window is
// aligned to the first event for a key and the count resets once the window
// elapses. Both the provider rate limiter and the MFA attempt throttle are
// built on this; they hold separate instances with separate configuration.
package fixedwindow

import (
	"sync"
	"time"
)

// Counter tracks per-key event counts inside a fixed window. All methods
// are safe for concurrent use; the check-then-increment sequence in Take is
// atomic so two racing callers can never both claim the last slot.
type Counter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	entries map[string]*entry
}

type entry struct {
	count       int
	windowStart time.Time
}

// Stats is a point-in-time snapshot for one key.
type Stats struct {
	Count     int
	Remaining int
	ResetAt   time.Time
}

type Option func(*Counter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// New returns a Counter allowing limit events per window per key.
func New(limit int, window time.Duration, opts ...Option) *Counter {
	c := &Counter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get returns the live entry for key, rolling the window over if it has
// elapsed. Caller must hold c.mu.
func (c *Counter) get(key string, now time.Time) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{windowStart: now}
		c.entries[key] = e
		return e
	}
	if now.Sub(e.windowStart) >= c.window {
		e.count = 0
		e.windowStart = now
	}
	return e
}

// Take atomically consumes one slot for key. When the window is full it
// consumes nothing and reports how long until the window resets.
func (c *Counter) Take(key string) (ok bool, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := c.get(key, now)
	if e.count >= c.limit {
		return false, c.window - now.Sub(e.windowStart)
	}
	e.count++
	return true, 0
}

// Record increments the count for key without consulting the limit. The
// attempt throttle uses this to count failures after the fact.
func (c *Counter) Record(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.get(key, c.now()).count++
}

// Blocked reports whether key has reached the limit in the current window,
// without consuming a slot.
func (c *Counter) Blocked(key string) (blocked bool, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := c.get(key, now)
	if e.count >= c.limit {
		return true, c.window - now.Sub(e.windowStart)
	}
	return false, 0
}

// Reset clears the window for key.
func (c *Counter) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Stats returns the current window snapshot for key.
func (c *Counter) Stats(key string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := c.get(key, now)
	remaining := c.limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Count:     e.count,
		Remaining: remaining,
		ResetAt:   e.windowStart.Add(c.window),
	}
}

// PruneIdle drops entries whose window has fully elapsed and returns how
// many were removed. Housekeeping calls this periodically so throwaway keys
// don't accumulate.
func (c *Counter) PruneIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	pruned := 0
	for key, e := range c.entries {
		if now.Sub(e.windowStart) >= c.window {
			delete(c.entries, key)
			pruned++
		}
	}
	return pruned
}
