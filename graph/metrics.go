package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instrumentation for the Orchestrator:
// in-flight node counts, per-node dispatch latency, retries, cascade
// skips, and breaker trips. All metrics are namespaced "flowmesh_".
type Metrics struct {
	inflightNodes  prometheus.Gauge
	executionsTot  *prometheus.CounterVec
	nodeLatency    *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	skipsTotal     *prometheus.CounterVec
	breakerTrips   *prometheus.CounterVec
}

// NewMetrics registers the Orchestrator's metric family with registry.
// A nil registry registers against prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh",
			Name:      "inflight_nodes",
			Help:      "Number of node dispatches currently executing.",
		}),
		executionsTot: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "executions_total",
			Help:      "Completed executions by terminal status.",
		}, []string{"flow_id", "status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmesh",
			Name:      "node_dispatch_latency_ms",
			Help:      "Node dispatch duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"flow_id", "node_id", "status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "node_retries_total",
			Help:      "Retry attempts issued for agent node dispatches.",
		}, []string{"flow_id", "node_id"}),
		skipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "node_skips_total",
			Help:      "Nodes marked skipped by cascade-skip or an unchosen decision branch.",
		}, []string{"flow_id"}),
		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "breaker_open_total",
			Help:      "Dispatches that failed fast because an agent's circuit breaker was open.",
		}, []string{"agent_id"}),
	}
}

func (m *Metrics) recordNodeLatency(flowID, nodeID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(flowID, nodeID, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) incRetry(flowID, nodeID string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(flowID, nodeID).Inc()
}

func (m *Metrics) incSkip(flowID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skipsTotal.WithLabelValues(flowID).Add(float64(n))
}

func (m *Metrics) incBreakerTrip(agentID string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(agentID).Inc()
}

func (m *Metrics) incExecution(flowID, status string) {
	if m == nil {
		return
	}
	m.executionsTot.WithLabelValues(flowID, status).Inc()
}

func (m *Metrics) addInflight(delta int) {
	if m == nil {
		return
	}
	m.inflightNodes.Add(float64(delta))
}
