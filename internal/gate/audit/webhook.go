package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aussiebroadwan/opsgate/internal/gate/ratelimit"
)

// Throttler is the slice of the provider limiter the webhook sink needs.
type Throttler interface {
	Throttle(ctx context.Context, provider string, op func(ctx context.Context) error) error
}

// WebhookPublisher POSTs events to an external audit collector. Deliveries
// go through the provider limiter under the "audit" provider so a slow or
// throttling collector backs the sink off like any other upstream.
type WebhookPublisher struct {
	url      string
	client   *http.Client
	limiter  Throttler
	logger   *slog.Logger
	provider string
}

func NewWebhookPublisher(url string, limiter Throttler, logger *slog.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  limiter,
		logger:   logger,
		provider: ratelimit.ProviderAudit,
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, ev Event) {
	// Limiter events would recurse through this sink; drop them here and
	// leave them to the log sink.
	if ev.Kind == KindLimiterBackoff || ev.Kind == KindLimiterExhausted {
		return
	}

	err := p.limiter.Throttle(ctx, p.provider, func(ctx context.Context) error {
		return p.post(ctx, ev)
	})
	if err != nil {
		p.logger.Error("failed to deliver audit event",
			"url", p.url,
			"kind", ev.Kind,
			"error", err,
		)
	}
}

func (p *WebhookPublisher) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ratelimit.RateLimited{
			Provider:   p.provider,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 400:
		return fmt.Errorf("audit collector returned %d", resp.StatusCode)
	}
	return nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
