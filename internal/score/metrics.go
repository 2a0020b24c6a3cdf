package score

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the rule engine.
type Metrics struct {
	RulesFiredTotal  *prometheus.CounterVec
	RuleErrorsTotal  *prometheus.CounterVec
	ItemsScoredTotal prometheus.Counter
	ScoringDuration  prometheus.Histogram
	RulesLoaded      prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics on the default
// registry. Registration happens once per process.
//
// Metrics:
//   - monoqueue_rules_fired_total{rule}
//   - monoqueue_rule_errors_total{rule}
//   - monoqueue_items_scored_total
//   - monoqueue_scoring_duration_seconds
//   - monoqueue_rules_loaded
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RulesFiredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monoqueue_rules_fired_total",
					Help: "Total number of times a rule applied to an item",
				},
				[]string{"rule"},
			),
			RuleErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monoqueue_rule_errors_total",
					Help: "Total number of rule evaluation errors",
				},
				[]string{"rule"},
			),
			ItemsScoredTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "monoqueue_items_scored_total",
					Help: "Total number of items scored",
				},
			),
			ScoringDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "monoqueue_scoring_duration_seconds",
					Help:    "Duration of a full scoring pass in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
				},
			),
			RulesLoaded: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "monoqueue_rules_loaded",
					Help: "Number of rules in the active rule set",
				},
			),
		}
	})
	return globalMetrics
}

// RecordFired counts a rule application.
func (m *Metrics) RecordFired(rule string) {
	m.RulesFiredTotal.WithLabelValues(rule).Inc()
}

// RecordError counts a rule evaluation failure.
func (m *Metrics) RecordError(rule string) {
	m.RuleErrorsTotal.WithLabelValues(rule).Inc()
}

// RecordPass records a finished scoring pass.
func (m *Metrics) RecordPass(items int, seconds float64) {
	m.ItemsScoredTotal.Add(float64(items))
	m.ScoringDuration.Observe(seconds)
}
