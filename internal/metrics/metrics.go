// Package metrics exposes Prometheus counters for chat turns and completions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Turn outcomes, one per dispatcher exit path
const (
	OutcomeReply        = "reply"
	OutcomeSwitch       = "switch"
	OutcomeNoAdvisor    = "no_advisor"
	OutcomeEmpty        = "empty"
	OutcomeQuotaDenied  = "quota_denied"
	OutcomePolicyDenied = "policy_denied"
	OutcomeStorageError = "storage_error"
	OutcomeRateLimited  = "rate_limited"
	OutcomeUpstreamErr  = "upstream_error"
)

// Completion outcomes
const (
	CompletionOK          = "ok"
	CompletionRateLimited = "rate_limited"
	CompletionError       = "error"
)

// Metrics holds the bot's collectors
type Metrics struct {
	turns          *prometheus.CounterVec
	completions    *prometheus.HistogramVec
	expiredTariffs prometheus.Counter
}

// New creates the collectors and registers them with registerer
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_bot_turns_total",
			Help: "Chat turns handled, by outcome.",
		}, []string{"outcome"}),
		completions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advisor_bot_completion_seconds",
			Help:    "Completion API latency including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		}, []string{"provider", "outcome"}),
		expiredTariffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "advisor_bot_expired_tariffs_total",
			Help: "Paid tariffs cleared by the expiry sweep.",
		}),
	}

	registerer.MustRegister(m.turns, m.completions, m.expiredTariffs)
	return m
}

// Turn counts one finished chat turn
func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

// Completion records the latency of one completion call
func (m *Metrics) Completion(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// ExpiredTariffs adds n cleared tariffs
func (m *Metrics) ExpiredTariffs(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredTariffs.Add(float64(n))
}
