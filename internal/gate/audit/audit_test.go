package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/opsgate/internal/gate/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent() Event {
	return Event{
		Kind:      KindChallenge,
		Subject:   "subject-1",
		Operation: "doc.delete",
		Outcome:   OutcomeFailure,
		Reason:    "invalid_code",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Metadata:  map[string]string{"challenge_id": "01ARZ3NDEKTSV4RRFFQ69G5FAV"},
	}
}

type capturePublisher struct {
	events []Event
}

func (p *capturePublisher) Publish(_ context.Context, ev Event) {
	p.events = append(p.events, ev)
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	t.Parallel()

	a := &capturePublisher{}
	b := &capturePublisher{}
	Fanout{a, b}.Publish(context.Background(), testEvent())

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	require.Equal(t, KindChallenge, a.events[0].Kind)
}

func TestJSONLPublisher_AppendsOneLinePerEvent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	p, err := NewJSONLPublisher(path, discardLogger())
	require.NoError(t, err)

	p.Publish(context.Background(), testEvent())
	ev2 := testEvent()
	ev2.Kind = KindDisable
	p.Publish(context.Background(), ev2)
	require.NoError(t, p.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var got Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
		kinds = append(kinds, got.Kind)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{KindChallenge, KindDisable}, kinds)
}

func TestWebhookPublisher_PostsEvent(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		require.Equal(t, KindChallenge, ev.Kind)
		received.Add(1)
	}))
	defer srv.Close()

	limiter := ratelimit.New(ratelimit.DefaultPolicies())
	p := NewWebhookPublisher(srv.URL, limiter, discardLogger())
	p.Publish(context.Background(), testEvent())

	require.Equal(t, int64(1), received.Load())
}

func TestWebhookPublisher_BacksOffOn429(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	limiter := ratelimit.New(ratelimit.DefaultPolicies(),
		ratelimit.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
	)
	p := NewWebhookPublisher(srv.URL, limiter, discardLogger())
	p.Publish(context.Background(), testEvent())

	require.Equal(t, int64(2), hits.Load())
}

func TestWebhookPublisher_SkipsLimiterEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("limiter events must not reach the webhook sink")
	}))
	defer srv.Close()

	limiter := ratelimit.New(ratelimit.DefaultPolicies())
	p := NewWebhookPublisher(srv.URL, limiter, discardLogger())

	ev := testEvent()
	ev.Kind = KindLimiterBackoff
	p.Publish(context.Background(), ev)
}
