// Package metrics registers the Prometheus counters and histograms
// exposed by the checker and batcher processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument this module exposes.
type Metrics struct {
	ProbesTotal      *prometheus.CounterVec
	VerdictsTotal    *prometheus.CounterVec
	BackoffTotal     *prometheus.CounterVec
	ProxyEvictions   prometheus.Counter
	TokenRefresh     *prometheus.CounterVec
	SnipeAttempts    *prometheus.CounterVec
	SnipeClaims      *prometheus.CounterVec
	SnipeSlotWait    prometheus.Histogram
	ScreenerBatch    prometheus.Histogram
	ScreenerRetryPct prometheus.Gauge
	NotifyTotal      *prometheus.CounterVec
}

// New creates and registers every instrument against the default
// Prometheus registry. Use NewWithRegisterer in tests or whenever more
// than one Metrics instance must coexist in the same process.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates and registers every instrument against reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProbesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_probes_total",
				Help: "Availability probes issued by account",
			},
			[]string{"account"},
		),
		VerdictsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_verdicts_total",
				Help: "Verdicts persisted by resulting status",
			},
			[]string{"status"},
		),
		BackoffTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_backoff_total",
				Help: "Worker back-off events by reason",
			},
			[]string{"reason"}, // rate_limit_first, rate_limit_subsequent, token
		),
		ProxyEvictions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sniper_proxy_evictions_total",
				Help: "Proxies evicted from client rings after 402 responses",
			},
		),
		TokenRefresh: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_token_refresh_total",
				Help: "Token manager refresh attempts by outcome",
			},
			[]string{"outcome"}, // cache_hit, refreshed, error
		),
		SnipeAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_snipe_attempts_total",
				Help: "Snipe claim PUTs by outcome",
			},
			[]string{"outcome"}, // success, permanent, transient
		),
		SnipeClaims: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_snipe_claims_total",
				Help: "Snipe slot acquisitions by username",
			},
			[]string{"username"},
		),
		SnipeSlotWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sniper_snipe_phase_wait_ms",
				Help:    "Phase-gate wait duration in milliseconds",
				Buckets: []float64{0, 250, 500, 750, 1000, 1250, 1500, 1750, 2000},
			},
		),
		ScreenerBatch: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sniper_screener_batch_duration_seconds",
				Help:    "Duration of one batch screener pass",
				Buckets: prometheus.DefBuckets,
			},
		),
		ScreenerRetryPct: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "sniper_screener_retry_fraction",
				Help: "Fraction of the last batch that fell into the retry bucket",
			},
		),
		NotifyTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_notify_total",
				Help: "Push notifications dispatched by outcome",
			},
			[]string{"outcome"}, // sent, error, circuit_open
		),
	}
}
