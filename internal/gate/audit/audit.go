// Package audit forwards protection-layer events to centralized
// observability sinks. Events are transport-agnostic so sinks can fan out;
// the durable challenge history lives in the store, these events are the
// operational stream on top of it.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event kinds.
const (
	KindEnrollment       = "mfa_enrollment"
	KindChallenge        = "mfa_challenge"
	KindDisable          = "mfa_disabled"
	KindLimiterBackoff   = "limiter_backoff"
	KindLimiterExhausted = "limiter_exhausted"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one protection-layer occurrence worth forwarding.
type Event struct {
	Kind      string            `json:"kind"`
	Subject   string            `json:"subject,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher delivers events to a sink. Implementations must be safe for
// concurrent use and must never block the caller on sink failures beyond
// their own transport; delivery is best-effort, the durable audit trail is
// the challenge table.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// SlogPublisher writes events to structured logs. This is the default sink
// and always runs, whatever else is configured.
type SlogPublisher struct {
	logger *slog.Logger
}

func NewSlogPublisher(logger *slog.Logger) *SlogPublisher {
	return &SlogPublisher{logger: logger}
}

func (p *SlogPublisher) Publish(_ context.Context, ev Event) {
	attrs := []any{
		"kind", ev.Kind,
		"outcome", ev.Outcome,
		"timestamp", ev.Timestamp,
	}
	if ev.Subject != "" {
		attrs = append(attrs, "subject", ev.Subject)
	}
	if ev.Operation != "" {
		attrs = append(attrs, "operation", ev.Operation)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Provider != "" {
		attrs = append(attrs, "provider", ev.Provider)
	}
	for k, v := range ev.Metadata {
		attrs = append(attrs, "meta_"+k, v)
	}
	p.logger.Info("audit event", attrs...)
}

// Fanout delivers each event to every configured sink.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		p.Publish(ctx, ev)
	}
}

// Nop discards events. Tests that don't care about auditing use this.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
