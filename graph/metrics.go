package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus metrics for workflow execution.
//
// Metrics exposed (all namespaced with "algotest_workflow_"):
//
//  1. node_executions_total (counter): Node executions by outcome.
//     Labels: workflow, node, status (success/error).
//
//  2. node_duration_seconds (histogram): Node execution duration.
//     Labels: workflow, node.
//     Buckets span 1ms to ~5m to cover both store writes and
//     LLM/sandbox round trips.
//
//  3. runs_total (counter): Completed workflow runs by outcome.
//     Labels: workflow, status (completed/error/cancelled/max_steps).
//
// Expose via HTTP for Prometheus scraping:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: prometheus collectors handle concurrent updates.
type Metrics struct {
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	runs           *prometheus.CounterVec
}

// NewMetrics creates and registers workflow metrics with the provided
// registry. Pass prometheus.DefaultRegisterer for the global registry,
// or a fresh registry for isolation (recommended in tests).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "algotest",
			Subsystem: "workflow",
			Name:      "node_executions_total",
			Help:      "Node executions by workflow, node, and outcome",
		}, []string{"workflow", "node", "status"}),

		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "algotest",
			Subsystem: "workflow",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 120, 300},
		}, []string{"workflow", "node"}),

		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "algotest",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Workflow runs by terminal outcome",
		}, []string{"workflow", "status"}),
	}
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(workflow, node string, d time.Duration, status string) {
	m.nodeExecutions.WithLabelValues(workflow, node, status).Inc()
	m.nodeDuration.WithLabelValues(workflow, node).Observe(d.Seconds())
}

// ObserveRun records one terminated run.
func (m *Metrics) ObserveRun(workflow, status string) {
	m.runs.WithLabelValues(workflow, status).Inc()
}
