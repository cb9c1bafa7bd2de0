package graph

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts extraction units by stage and outcome. A nil *Metrics
// records nothing.
type Metrics struct {
	units    *prometheus.CounterVec
	nodes    *prometheus.CounterVec
	verdicts *prometheus.CounterVec
}

// NewMetrics creates the extraction metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ontograph",
			Subsystem: "graph",
			Name:      "units_total",
			Help:      "Extraction units by stage (direct, judgment) and outcome.",
		}, []string{"stage", "outcome"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ontograph",
			Subsystem: "graph",
			Name:      "nodes_total",
			Help:      "Nodes produced by extraction policy.",
		}, []string{"policy"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ontograph",
			Subsystem: "graph",
			Name:      "judgments_total",
			Help:      "Relation judgment verdicts by relation type.",
		}, []string{"relation", "verdict"}),
	}
	if reg != nil {
		reg.MustRegister(m.units, m.nodes, m.verdicts)
	}
	return m
}

func (m *Metrics) unit(stage, outcome string) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) addNodes(policy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.nodes.WithLabelValues(policy).Add(float64(n))
}

func (m *Metrics) verdict(relation string, related bool) {
	if m == nil {
		return
	}
	v := "unrelated"
	if related {
		v = "related"
	}
	m.verdicts.WithLabelValues(relation, v).Inc()
}
