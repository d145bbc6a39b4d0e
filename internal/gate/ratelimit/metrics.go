package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the limiter's Prometheus collectors. Construct once per
// process with NewMetrics; a nil *Metrics disables collection, which is
// what tests use.
type Metrics struct {
	AdmittedTotal  *prometheus.CounterVec
	WindowWaits    *prometheus.CounterVec
	BackoffsTotal  *prometheus.CounterVec
	ExhaustedTotal *prometheus.CounterVec
	BackoffSeconds *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		AdmittedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opsgate_ratelimit_admitted_total",
			Help: "Total number of operations admitted through the provider limiter",
		}, []string{"provider"}),
		WindowWaits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opsgate_ratelimit_window_waits_total",
			Help: "Total number of admissions that had to wait for a window reset",
		}, []string{"provider"}),
		BackoffsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opsgate_ratelimit_backoffs_total",
			Help: "Total number of backoff sleeps triggered by provider rate-limit errors",
		}, []string{"provider"}),
		ExhaustedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opsgate_ratelimit_exhausted_total",
			Help: "Total number of operations failed terminally after exhausting retries",
		}, []string{"provider"}),
		BackoffSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsgate_ratelimit_backoff_seconds",
			Help:    "Backoff sleep durations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
	}
}

func (m *Metrics) admitted(provider string) {
	if m != nil {
		m.AdmittedTotal.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) windowWait(provider string) {
	if m != nil {
		m.WindowWaits.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) backoff(provider string, seconds float64) {
	if m != nil {
		m.BackoffsTotal.WithLabelValues(provider).Inc()
		m.BackoffSeconds.WithLabelValues(provider).Observe(seconds)
	}
}

func (m *Metrics) exhausted(provider string) {
	if m != nil {
		m.ExhaustedTotal.WithLabelValues(provider).Inc()
	}
}
