package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the ambient Prometheus instrumentation for decision
// outcomes. Every newMetrics call registers its collectors on a fresh
// private registry, so separate runtime instances never collide on
// registration; that registry is not exposed outside this package, so
// nothing serves these metrics for scraping.
type metrics struct {
	decisionsTotal  *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_decisions_total",
			Help: "Total decisions recorded, partitioned by node and outcome.",
		}, []string{"node_id", "outcome"}),
		decisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_decision_latency_ms",
			Help:    "Latency in milliseconds from decision to recorded outcome.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"node_id"}),
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.decisionsTotal, m.decisionLatency)
	return m
}

func (m *metrics) observe(nodeID string, success bool, latencyMs int) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.decisionsTotal.WithLabelValues(nodeID, outcome).Inc()
	m.decisionLatency.WithLabelValues(nodeID).Observe(float64(latencyMs))
}
