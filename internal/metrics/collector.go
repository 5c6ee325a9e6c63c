// Package metrics provides the Prometheus collectors for graph runs,
// store operations, the task queue, and the message bus.
//
// Each Collector owns a private registry, so embedding applications can
// mount it wherever they expose metrics, and two cores in one process
// never fight over metric registration.
package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/stategraph/agent"
	"github.com/BaSui01/stategraph/graph"
)

// Operation outcome labels used by the store instrumentation.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Collector records domain metrics into its own registry.
type Collector struct {
	registry  *prometheus.Registry
	namespace string

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	storeOpsTotal   *prometheus.CounterVec
	storeOpDuration *prometheus.HistogramVec

	tasksSubmitted  *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector with a fresh registry. All metric
// names carry the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry:  registry,
		namespace: namespace,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_runs_total",
			Help:      "Total number of graph runs by outcome",
		},
		[]string{"graph", "outcome"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_run_duration_seconds",
			Help:      "Graph run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"graph"},
	)

	c.nodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_node_executions_total",
			Help:      "Total number of node executions by outcome",
		},
		[]string{"graph", "node", "outcome"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"graph", "node"},
	)

	c.storeOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of store operations by outcome",
		},
		[]string{"store", "operation", "outcome"},
	)

	c.storeOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store", "operation"},
	)

	c.tasksSubmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks created",
		},
		[]string{"task_type"},
	)

	c.taskTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_status_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"status"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry exposes the collector's registry for mounting, for example
// behind promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRun records a finished graph run.
func (c *Collector) RecordRun(graphName, outcome string, elapsed time.Duration) {
	c.runsTotal.WithLabelValues(graphName, outcome).Inc()
	c.runDuration.WithLabelValues(graphName).Observe(elapsed.Seconds())
}

// RecordNodeExecution records a finished node execution.
func (c *Collector) RecordNodeExecution(graphName, node, outcome string, elapsed time.Duration) {
	c.nodesTotal.WithLabelValues(graphName, node, outcome).Inc()
	c.nodeDuration.WithLabelValues(graphName, node).Observe(elapsed.Seconds())
}

// RecordStoreOp records one checkpoint or task store operation.
func (c *Collector) RecordStoreOp(store, operation string, err error, elapsed time.Duration) {
	c.storeOpsTotal.WithLabelValues(store, operation, opOutcome(err)).Inc()
	c.storeOpDuration.WithLabelValues(store, operation).Observe(elapsed.Seconds())
}

// RecordTaskSubmitted records a created task by type.
func (c *Collector) RecordTaskSubmitted(taskType string) {
	c.tasksSubmitted.WithLabelValues(taskType).Inc()
}

// RecordTaskTransition records a task status transition.
func (c *Collector) RecordTaskTransition(status string) {
	c.taskTransitions.WithLabelValues(status).Inc()
}

// GraphObserver adapts the collector to the executor's observer hook.
func (c *Collector) GraphObserver() graph.Observer {
	return graphObserver{c}
}

type graphObserver struct {
	c *Collector
}

func (o graphObserver) RunFinished(graphName, outcome string, elapsed time.Duration) {
	o.c.RecordRun(graphName, outcome, elapsed)
}

func (o graphObserver) NodeFinished(graphName, node, outcome string, elapsed time.Duration) {
	o.c.RecordNodeExecution(graphName, node, outcome, elapsed)
}

// ObserveTaskQueueDepth registers a gauge reading the queue depth from
// fn at scrape time. Call at most once per collector.
func (c *Collector) ObserveTaskQueueDepth(fn func() int) {
	promauto.With(c.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "task_queue_depth",
			Help:      "Number of tasks waiting in the queue",
		},
		func() float64 { return float64(fn()) },
	)
}

// ObserveAgents registers a gauge reading the registered agent count
// from fn at scrape time. Call at most once per collector.
func (c *Collector) ObserveAgents(fn func() int) {
	promauto.With(c.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "agents_registered",
			Help:      "Number of registered agents",
		},
		func() float64 { return float64(fn()) },
	)
}

// ObserveBus registers counters and a gauge mirroring the bus
// dispatcher's cumulative stats at scrape time. Call at most once per
// collector.
func (c *Collector) ObserveBus(fn func() agent.BusStats) {
	factory := promauto.With(c.registry)

	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      "bus_deliveries_total",
			Help:      "Total number of bus deliveries handled",
		},
		func() float64 { return float64(fn().Delivered) },
	)
	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      "bus_handler_failures_total",
			Help:      "Total number of bus handler failures",
		},
		func() float64 { return float64(fn().Failed) },
	)
	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      "bus_dropped_total",
			Help:      "Total number of deliveries dropped by the dispatcher",
		},
		func() float64 { return float64(fn().Dropped) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "bus_queue_depth",
			Help:      "Number of deliveries waiting in the dispatcher",
		},
		func() float64 { return float64(fn().QueueDepth) },
	)
}

// ObserveDBPool registers gauges mirroring the database connection pool
// counters at scrape time. Call at most once per collector and database
// name.
func (c *Collector) ObserveDBPool(database string, fn func() sql.DBStats) {
	factory := promauto.With(c.registry)
	labels := prometheus.Labels{"database": database}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Name:        "db_connections_open",
			Help:        "Number of open database connections",
			ConstLabels: labels,
		},
		func() float64 { return float64(fn().OpenConnections) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Name:        "db_connections_idle",
			Help:        "Number of idle database connections",
			ConstLabels: labels,
		},
		func() float64 { return float64(fn().Idle) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Name:        "db_connections_in_use",
			Help:        "Number of database connections in use",
			ConstLabels: labels,
		},
		func() float64 { return float64(fn().InUse) },
	)
}

func opOutcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
