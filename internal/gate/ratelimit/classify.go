package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RateLimited is the typed error a provider client returns when the
// upstream signalled throttling. RetryAfter is optional; when set the
// limiter sleeps exactly that long instead of computing a backoff.
type RateLimited struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimited) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited by %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("rate limited by %s", e.Provider)
}

func (e *RateLimited) Unwrap() error { return e.Err }

// rateLimitPatterns is the closed set of provider error signatures treated
// as throttling when a client surfaces a plain error instead of a
// *RateLimited. Matched case-insensitively against the error text. Extend
// the table, never sprinkle string checks at call sites.
var rateLimitPatterns = []string{
	"429",
	"too many requests",
	"rate limit",
	"ratelimitexceeded",
	"quota exceeded",
	"userratelimitexceeded",
	"resource has been exhausted",
	"resource_exhausted",
	"throttled",
	"retry later",
}

// Classify decides whether err is a rate-limit signal. It returns the
// retry-after hint (zero when the provider gave none) and whether the
// error should be retried with backoff. Any other error is the caller's
// problem and propagates unmodified.
func Classify(err error) (retryAfter time.Duration, ok bool) {
	if err == nil {
		return 0, false
	}

	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(msg, pattern) {
			return 0, true
		}
	}
	return 0, false
}
