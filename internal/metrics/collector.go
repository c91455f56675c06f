// Package metrics provides internal prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector exposes the dispatch core's prometheus metrics.
type Collector struct {
	// routing metrics
	routingDecisionsTotal *prometheus.CounterVec
	routingConfidence     *prometheus.HistogramVec

	// handoff metrics
	handoffsTotal   *prometheus.CounterVec
	handoffDuration *prometheus.HistogramVec

	// fallback metrics
	fallbackInvocationsTotal *prometheus.CounterVec

	// context preservation metrics
	preservationOpsTotal *prometheus.CounterVec
	preservedBytes       *prometheus.HistogramVec

	// fidelity metrics
	fidelityRate *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a Collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"agent_type", "outcome"}, // outcome: scored, memory_hit, degraded
	)

	c.routingConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_confidence",
			Help:      "Confidence of routing decisions",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"agent_type"},
	)

	c.handoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of handoff attempts",
		},
		[]string{"status"}, // status: completed, declined, failed
	)

	c.handoffDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_duration_seconds",
			Help:      "Handoff wall-clock duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	c.fallbackInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_invocations_total",
			Help:      "Total number of provider fallback invocations",
		},
		[]string{"operation", "outcome"}, // outcome: succeeded, failed
	)

	c.preservationOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_preservation_ops_total",
			Help:      "Total number of context preservation operations",
		},
		[]string{"op", "status"}, // op: preserve, restore, rollback
	)

	c.preservedBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preserved_context_bytes",
			Help:      "Serialized size of preserved context payloads",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"store"},
	)

	c.fidelityRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fidelity_success_rate",
			Help:      "Observed success rate per operation category",
		},
		[]string{"category"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordRoutingDecision records one routing decision.
func (c *Collector) RecordRoutingDecision(agentType, outcome string, confidence float64) {
	c.routingDecisionsTotal.WithLabelValues(agentType, outcome).Inc()
	c.routingConfidence.WithLabelValues(agentType).Observe(confidence)
}

// RecordHandoff records one handoff attempt and its duration.
func (c *Collector) RecordHandoff(status string, duration time.Duration) {
	c.handoffsTotal.WithLabelValues(status).Inc()
	c.handoffDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordFallback records a fallback invocation outcome.
func (c *Collector) RecordFallback(operation, outcome string) {
	c.fallbackInvocationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordPreservationOp records a context preservation operation.
func (c *Collector) RecordPreservationOp(op, status string) {
	c.preservationOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordPreservedSize records the serialized size of a preserved payload.
func (c *Collector) RecordPreservedSize(store string, bytes int) {
	c.preservedBytes.WithLabelValues(store).Observe(float64(bytes))
}

// SetFidelityRate publishes the current success rate for a category.
func (c *Collector) SetFidelityRate(category string, rate float64) {
	c.fidelityRate.WithLabelValues(category).Set(rate)
}
