// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the coordinator's metric vectors.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Scheduling metrics
	assignmentsTotal *prometheus.CounterVec
	completionsTotal *prometheus.CounterVec
	pendingSubtasks  prometheus.Gauge
	requeuedSubtasks prometheus.Counter

	// Aggregation metrics
	aggregationsTotal   *prometheus.CounterVec
	aggregationDuration prometheus.Histogram

	// Liveness metrics
	agentsOnline prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates and registers the metric vectors under the
// namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.assignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Subtask assignment attempts by outcome",
		},
		[]string{"outcome"}, // assigned | empty | error
	)
	c.completionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Subtask completion reports by outcome",
		},
		[]string{"outcome"}, // completed | rejected | error
	)
	c.pendingSubtasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_subtasks",
			Help:      "Subtasks currently waiting for an agent",
		},
	)
	c.requeuedSubtasks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeued_subtasks_total",
			Help:      "Subtasks requeued by the lease reaper",
		},
	)

	c.aggregationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregations_total",
			Help:      "Aggregation runs by outcome",
		},
		[]string{"outcome"}, // completed | failed
	)
	c.aggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Aggregation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	c.agentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_online",
			Help:      "Agents that heartbeated within the liveness window",
		},
	)

	return c
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAssignment records a request_task outcome.
func (c *Collector) RecordAssignment(outcome string) {
	c.assignmentsTotal.WithLabelValues(outcome).Inc()
}

// RecordCompletion records a complete_task outcome.
func (c *Collector) RecordCompletion(outcome string) {
	c.completionsTotal.WithLabelValues(outcome).Inc()
}

// SetPendingSubtasks updates the pending-subtask gauge.
func (c *Collector) SetPendingSubtasks(n float64) {
	c.pendingSubtasks.Set(n)
}

// RecordRequeued counts subtasks requeued by the lease reaper.
func (c *Collector) RecordRequeued(n int) {
	c.requeuedSubtasks.Add(float64(n))
}

// RecordAggregation records one aggregation run.
func (c *Collector) RecordAggregation(outcome string, duration time.Duration) {
	c.aggregationsTotal.WithLabelValues(outcome).Inc()
	c.aggregationDuration.Observe(duration.Seconds())
}

// SetAgentsOnline updates the online-agents gauge.
func (c *Collector) SetAgentsOnline(n float64) {
	c.agentsOnline.Set(n)
}
