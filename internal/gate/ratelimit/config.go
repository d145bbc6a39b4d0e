package ratelimit

import "time"

// Well-known provider names. Policies are keyed by provider so new
// providers only need a config entry, not code.
const (
	ProviderDrive = "drive"
	ProviderLLM   = "llm"
	ProviderChat  = "chat"
	ProviderAudit = "audit"
)

// Policy is the static throttle configuration for one provider. Loaded at
// startup and never mutated afterwards.
type Policy struct {
	// MaxRequestsPerWindow is the admission ceiling inside one window.
	MaxRequestsPerWindow int

	// Window is the fixed-window length.
	Window time.Duration

	// MaxRetries bounds how many backoff-then-retry cycles a single
	// provider accumulates before calls fail with ErrLimiterExhausted.
	MaxRetries int

	// InitialBackoff is the first backoff delay; each consecutive
	// rate-limit error doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy applies to providers without an explicit entry.
func DefaultPolicy() Policy {
	return Policy{
		MaxRequestsPerWindow: 30,
		Window:               time.Minute,
		MaxRetries:           3,
		InitialBackoff:       time.Second,
		MaxBackoff:           30 * time.Second,
	}
}

// DefaultPolicies returns conservative per-provider ceilings, well below
// published upstream quotas. Document APIs tolerate a larger window; chat
// APIs fail fast and recover fast so they get a small window and a low
// backoff ceiling.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ProviderDrive: {
			MaxRequestsPerWindow: 50,
			Window:               90 * time.Second,
			MaxRetries:           4,
			InitialBackoff:       2 * time.Second,
			MaxBackoff:           60 * time.Second,
		},
		ProviderLLM: {
			MaxRequestsPerWindow: 20,
			Window:               time.Minute,
			MaxRetries:           3,
			InitialBackoff:       time.Second,
			MaxBackoff:           30 * time.Second,
		},
		ProviderChat: {
			MaxRequestsPerWindow: 25,
			Window:               30 * time.Second,
			MaxRetries:           3,
			InitialBackoff:       500 * time.Millisecond,
			MaxBackoff:           8 * time.Second,
		},
		ProviderAudit: {
			MaxRequestsPerWindow: 60,
			Window:               time.Minute,
			MaxRetries:           2,
			InitialBackoff:       time.Second,
			MaxBackoff:           10 * time.Second,
		},
	}
}
