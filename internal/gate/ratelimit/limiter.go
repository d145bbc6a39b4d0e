// Package ratelimit throttles outbound calls to named external providers.
// Each provider gets a fixed-window admission ceiling plus exponential
// backoff when the provider itself signals throttling. State is in-memory
// only; upstream quotas are provider-side truth and loss on restart is
// acceptable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aussiebroadwan/opsgate/pkg/fixedwindow"
	"github.com/aussiebroadwan/opsgate/pkg/slogx"
)

// ErrLimiterExhausted marks an operation that kept hitting provider
// rate-limit errors until its retry budget ran out. Terminal; callers
// should surface a generic "temporarily unavailable" outcome.
var ErrLimiterExhausted = errors.New("rate limiter exhausted")

// Event kinds forwarded to the observer.
const (
	EventBackoff   = "backoff"
	EventExhausted = "exhausted"
)

// Event describes one backoff or exhaustion occurrence for the audit
// trail.
type Event struct {
	Provider string
	Kind     string
	Retries  int
	Wait     time.Duration
	At       time.Time
	Err      error
}

// Observer receives limiter events. Wired to the audit publisher by the
// application; kept as a function type so this package stays a leaf.
type Observer func(ctx context.Context, ev Event)

type providerState struct {
	retries     int
	lastErrorAt time.Time
	windowReset time.Time
}

// syncWindow restores the full retry budget once the provider has entered
// a new window. The budget is per window, like the request count. Caller
// must hold the limiter mutex.
func (st *providerState) syncWindow(resetAt time.Time) {
	if !resetAt.Equal(st.windowReset) {
		st.windowReset = resetAt
		st.retries = 0
	}
}

// Limiter serializes admissions per provider and applies backoff on
// provider throttling signals. Safe for concurrent use.
type Limiter struct {
	policies map[string]Policy
	fallback Policy
	metrics  *Metrics
	observe  Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	windows map[string]*fixedwindow.Counter
	states  map[string]*providerState
}

type Option func(*Limiter)

// WithMetrics attaches Prometheus collectors. Nil disables collection.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithObserver forwards backoff and exhaustion events.
func WithObserver(fn Observer) Option {
	return func(l *Limiter) { l.observe = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleeper overrides the cancellable sleep, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// New builds a Limiter from per-provider policies. Providers without an
// entry fall back to DefaultPolicy.
func New(policies map[string]Policy, opts ...Option) *Limiter {
	l := &Limiter{
		policies: make(map[string]Policy, len(policies)),
		fallback: DefaultPolicy(),
		now:      time.Now,
		sleep:    sleepCtx,
		windows:  make(map[string]*fixedwindow.Counter),
		states:   make(map[string]*providerState),
	}
	for name, pol := range policies {
		l.policies[name] = pol
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the effective policy for a provider.
func (l *Limiter) Policy(provider string) Policy {
	if pol, ok := l.policies[provider]; ok {
		return pol
	}
	return l.fallback
}

// window returns the admission counter for a provider, creating it lazily
// from the provider's policy.
func (l *Limiter) window(provider string) *fixedwindow.Counter {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[provider]
	if !ok {
		pol := l.Policy(provider)
		w = fixedwindow.New(pol.MaxRequestsPerWindow, pol.Window, fixedwindow.WithClock(l.now))
		l.windows[provider] = w
	}
	return w
}

func (l *Limiter) state(provider string) *providerState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[provider]
	if !ok {
		st = &providerState{}
		l.states[provider] = st
	}
	return st
}

// Throttle runs op under the provider's admission ceiling. When the window
// is full the call sleeps until the window resets, then proceeds. When op
// fails with a rate-limit signal the call backs off (honoring an explicit
// retry-after hint when present) and retries, up to the policy's retry
// budget; then it fails with ErrLimiterExhausted. The retry budget is per
// window and refills when the window resets. Any other error from op
// propagates unmodified. Sleeps are cancellable through ctx and a
// cancelled sleep does not consume a retry.
func (l *Limiter) Throttle(ctx context.Context, provider string, op func(ctx context.Context) error) error {
	pol := l.Policy(provider)
	win := l.window(provider)
	st := l.state(provider)

	for {
		// Admission. Take consumes the slot atomically so concurrent
		// callers can never over-admit a window.
		for {
			ok, wait := win.Take(provider)
			if ok {
				break
			}
			l.metrics.windowWait(provider)
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
		}
		l.metrics.admitted(provider)

		ws := win.Stats(provider)
		l.mu.Lock()
		st.syncWindow(ws.ResetAt)
		l.mu.Unlock()

		err := op(ctx)
		if err == nil {
			l.resetRetries(st)
			return nil
		}

		retryAfter, rateLimited := Classify(err)
		if !rateLimited {
			return err
		}

		now := l.now()
		l.mu.Lock()
		st.lastErrorAt = now
		retries := st.retries
		l.mu.Unlock()

		if retries >= pol.MaxRetries {
			l.metrics.exhausted(provider)
			l.emit(ctx, Event{
				Provider: provider,
				Kind:     EventExhausted,
				Retries:  retries,
				At:       now,
				Err:      err,
			})
			slogx.FromContext(ctx).Warn("provider retry budget exhausted",
				"provider", provider,
				"retries", retries,
				"error", err,
			)
			return fmt.Errorf("%w: provider %s: %v", ErrLimiterExhausted, provider, err)
		}

		delay := retryAfter
		if delay <= 0 {
			delay = backoffDelay(pol, retries)
		}
		l.metrics.backoff(provider, delay.Seconds())
		l.emit(ctx, Event{
			Provider: provider,
			Kind:     EventBackoff,
			Retries:  retries,
			Wait:     delay,
			At:       now,
			Err:      err,
		})

		if err := l.sleep(ctx, delay); err != nil {
			// Cancelled mid-backoff. The attempt never ran, so the
			// retry budget is untouched.
			return err
		}

		l.mu.Lock()
		st.retries++
		l.mu.Unlock()
	}
}

// backoffDelay computes the Nth backoff: min(initial * 2^n, max).
func backoffDelay(pol Policy, retries int) time.Duration {
	delay := pol.InitialBackoff
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= pol.MaxBackoff {
			return pol.MaxBackoff
		}
	}
	if delay > pol.MaxBackoff {
		return pol.MaxBackoff
	}
	return delay
}

func (l *Limiter) resetRetries(st *providerState) {
	l.mu.Lock()
	st.retries = 0
	l.mu.Unlock()
}

func (l *Limiter) emit(ctx context.Context, ev Event) {
	if l.observe != nil {
		l.observe(ctx, ev)
	}
}

// ProviderStats is a point-in-time view of one provider's limiter state.
type ProviderStats struct {
	Provider    string     `json:"provider"`
	Requests    int        `json:"requests"`
	Remaining   int        `json:"remaining"`
	ResetAt     time.Time  `json:"reset_at"`
	Retries     int        `json:"retries"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// Stats snapshots a single provider.
func (l *Limiter) Stats(provider string) ProviderStats {
	win := l.window(provider)
	ws := win.Stats(provider)

	l.mu.Lock()
	defer l.mu.Unlock()

	out := ProviderStats{
		Provider:  provider,
		Requests:  ws.Count,
		Remaining: ws.Remaining,
		ResetAt:   ws.ResetAt,
	}
	if st, ok := l.states[provider]; ok {
		st.syncWindow(ws.ResetAt)
		out.Retries = st.retries
		if !st.lastErrorAt.IsZero() {
			at := st.lastErrorAt
			out.LastErrorAt = &at
		}
	}
	return out
}

// Snapshot returns stats for every configured provider, sorted by name.
func (l *Limiter) Snapshot() []ProviderStats {
	names := make([]string, 0, len(l.policies))
	for name := range l.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderStats, 0, len(names))
	for _, name := range names {
		out = append(out, l.Stats(name))
	}
	return out
}

// PruneIdle drops elapsed windows across all providers and returns how
// many entries were removed.
func (l *Limiter) PruneIdle() int {
	l.mu.Lock()
	windows := make([]*fixedwindow.Counter, 0, len(l.windows))
	for _, w := range l.windows {
		windows = append(windows, w)
	}
	l.mu.Unlock()

	pruned := 0
	for _, w := range windows {
		pruned += w.PruneIdle()
	}
	return pruned
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
