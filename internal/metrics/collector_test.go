package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

// promauto registers on the global registry, so every test collector needs
// its own namespace to avoid duplicate registration panics.
func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("dispatch_test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, c)
	assert.NotNil(t, c.routingDecisionsTotal)
	assert.NotNil(t, c.handoffsTotal)
	assert.NotNil(t, c.fallbackInvocationsTotal)
	assert.NotNil(t, c.preservationOpsTotal)
	assert.NotNil(t, c.fidelityRate)
}

func TestCollector_RecordRoutingDecision(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordRoutingDecision("coder", "scored", 0.84)
	c.RecordRoutingDecision("coder", "scored", 0.91)
	c.RecordRoutingDecision("reviewer", "degraded", 0.3)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.routingDecisionsTotal.WithLabelValues("coder", "scored")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.routingDecisionsTotal.WithLabelValues("reviewer", "degraded")))
}

func TestCollector_RecordHandoff(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordHandoff("completed", 120*time.Millisecond)
	c.RecordHandoff("failed", 2*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.handoffsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.handoffsTotal.WithLabelValues("failed")))
}

func TestCollector_RecordPreservationAndFidelity(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordPreservationOp("preserve", "ok")
	c.RecordPreservationOp("restore", "integrity_error")
	c.RecordFallback("inference", "succeeded")
	c.SetFidelityRate("tool_execution", 0.998)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.preservationOpsTotal.WithLabelValues("preserve", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.fallbackInvocationsTotal.WithLabelValues("inference", "succeeded")))
	assert.Equal(t, 0.998, testutil.ToFloat64(c.fidelityRate.WithLabelValues("tool_execution")))
}
