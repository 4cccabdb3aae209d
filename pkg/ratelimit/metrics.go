package ratelimit

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports engine decisions to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	decisions     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	overshoots    *prometheus.CounterVec
	bans          *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
}

// NewMetrics creates the engine collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_decisions_total",
			Help: "Rate limit decisions by category and outcome.",
		}, []string{"category", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_store_errors_total",
			Help: "Counter store and ban registry failures by operation.",
		}, []string{"operation"}),
		overshoots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_overshoot_total",
			Help: "Windows found above their limit after an approximate-mode admission.",
		}, []string{"category"}),
		bans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_bans_total",
			Help: "Bans created, by source.",
		}, []string{"source"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quota_check_duration_seconds",
			Help:    "Latency of rate limit checks.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"mode"}),
	}

	if reg != nil {
		reg.MustRegister(m.decisions, m.storeErrors, m.overshoots, m.bans, m.checkDuration)
	}
	return m
}

func (m *Metrics) decision(category Category, outcome string, mode ConsistencyMode, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(metricCategory(category), outcome).Inc()
	m.checkDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) overshoot(category Category) {
	if m == nil {
		return
	}
	m.overshoots.WithLabelValues(metricCategory(category)).Inc()
}

func (m *Metrics) ban(source string) {
	if m == nil {
		return
	}
	m.bans.WithLabelValues(source).Inc()
}

// metricCategory folds integration:<name> into integration. Integration names come from
// callers and would otherwise create a series each.
func metricCategory(category Category) string {
	if strings.HasPrefix(string(category), string(CategoryIntegration)+":") {
		return string(CategoryIntegration)
	}
	return string(category)
}
