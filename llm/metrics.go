package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts generation calls by stage and outcome. A nil *Metrics
// records nothing.
type Metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates the generation metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ontograph",
			Subsystem: "llm",
			Name:      "generation_calls_total",
			Help:      "Structured generation calls by stage and outcome.",
		}, []string{"stage", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ontograph",
			Subsystem: "llm",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of structured generation calls, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.latency)
	}
	return m
}

func (m *Metrics) observe(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(stage, outcome).Inc()
	m.latency.WithLabelValues(stage).Observe(elapsed.Seconds())
}
