// Package fidelity tracks per-category success rates and latency
// statistics for the dispatch pipeline, observed passively from the event
// stream and validated against fixed targets.
package fidelity

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/bus"
	"github.com/nexusflow/dispatch/internal/metrics"
)

// Operation categories.
const (
	CategoryEventProcessing     = "event_processing"
	CategoryToolExecution       = "tool_execution"
	CategoryCrossLanguage       = "cross_language_communication"
	CategoryModeSwitching       = "mode_switching"
	CategoryContextPreservation = "context_preservation"
)

// targets are the fixed success-rate thresholds per category.
var targets = map[string]float64{
	CategoryEventProcessing:     0.99,
	CategoryToolExecution:       0.995,
	CategoryCrossLanguage:       0.985,
	CategoryModeSwitching:       0.99,
	CategoryContextPreservation: 0.995,
}

// Metric holds the running totals for one operation category. Counters are
// append-only and reset only by an explicit ResetMetrics call.
type Metric struct {
	Total          int64     `json:"total"`
	Successful     int64     `json:"successful"`
	Failed         int64     `json:"failed"`
	Latencies      []float64 `json:"latencies"`
	AverageLatency float64   `json:"average_latency"`
}

// CategoryResult is the validation outcome for one category.
type CategoryResult struct {
	Category    string  `json:"category"`
	SuccessRate float64 `json:"success_rate"`
	Target      float64 `json:"target"`
	Passed      bool    `json:"passed"`
}

// ValidationReport is the outcome of ValidateFidelity.
type ValidationReport struct {
	AllOperationsMeetThreshold bool             `json:"all_operations_meet_threshold"`
	PerOperationResults        []CategoryResult `json:"per_operation_results"`
	OverallFidelity            float64          `json:"overall_fidelity"`
}

// Tracker is a passive subscriber accumulating fidelity statistics.
type Tracker struct {
	mu        sync.RWMutex
	byCat     map[string]*Metric
	subs      []string
	events    bus.Bus
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewTracker creates a Tracker and subscribes it to the event stream.
// events and collector may be nil.
func NewTracker(events bus.Bus, collector *metrics.Collector, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		byCat:     make(map[string]*Metric),
		events:    events,
		collector: collector,
		logger:    logger.With(zap.String("component", "fidelity_tracker")),
	}
	for cat := range targets {
		t.byCat[cat] = &Metric{}
	}
	t.subscribe()
	return t
}

// eventCategories maps terminal event types to (category, success).
var eventCategories = map[bus.EventType]struct {
	category string
	success  bool
}{
	bus.EventHandoffInitiated:         {CategoryEventProcessing, true},
	bus.EventHandoffRecovered:         {CategoryEventProcessing, true},
	bus.EventHandoffFailedPermanently: {CategoryEventProcessing, false},

	bus.EventToolRecovered:         {CategoryToolExecution, true},
	bus.EventToolFailedPermanently: {CategoryToolExecution, false},

	bus.EventHandshakeCompleted: {CategoryCrossLanguage, true},

	bus.EventHandoffFallbackSucceeded: {CategoryModeSwitching, true},
	bus.EventHandoffFallbackFailed:    {CategoryModeSwitching, false},

	bus.EventContextPreserved:      {CategoryContextPreservation, true},
	bus.EventContextRestored:       {CategoryContextPreservation, true},
	bus.EventContextRollback:       {CategoryContextPreservation, true},
	bus.EventContextPreserveFailed: {CategoryContextPreservation, false},
	bus.EventContextRestoreFailed:  {CategoryContextPreservation, false},
}

func (t *Tracker) subscribe() {
	if t.events == nil {
		return
	}
	for eventType, mapping := range eventCategories {
		et, m := eventType, mapping
		id := t.events.Subscribe(et, func(e bus.Event) {
			latency := 0.0
			if v, ok := e.Payload()["duration_ms"].(float64); ok {
				latency = v
			}
			t.Record(m.category, m.success, latency)
		})
		t.subs = append(t.subs, id)
	}
}

// Close unsubscribes the tracker from the event stream.
func (t *Tracker) Close() {
	if t.events == nil {
		return
	}
	for _, id := range t.subs {
		t.events.Unsubscribe(id)
	}
}

// Record adds one observation for a category. Unknown categories are
// created on first use with no target.
func (t *Tracker) Record(category string, success bool, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byCat[category]
	if !ok {
		m = &Metric{}
		t.byCat[category] = m
	}
	m.Total++
	if success {
		m.Successful++
	} else {
		m.Failed++
	}
	if latencyMs > 0 {
		m.Latencies = append(m.Latencies, latencyMs)
		var sum float64
		for _, l := range m.Latencies {
			sum += l
		}
		m.AverageLatency = sum / float64(len(m.Latencies))
	}

	if t.collector != nil {
		t.collector.SetFidelityRate(category, successRate(m))
	}
}

// GetMetrics returns a deep copy of the per-category metrics.
func (t *Tracker) GetMetrics() map[string]Metric {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Metric, len(t.byCat))
	for cat, m := range t.byCat {
		cp := *m
		cp.Latencies = append([]float64(nil), m.Latencies...)
		out[cat] = cp
	}
	return out
}

// GetFidelityRates returns the success rate per category. A category with
// no observations reports 1.
func (t *Tracker) GetFidelityRates() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64, len(t.byCat))
	for cat, m := range t.byCat {
		out[cat] = successRate(m)
	}
	return out
}

// ValidateFidelity checks every category against its target and reports
// the overall average. Result order is stable (categories sorted by name).
func (t *Tracker) ValidateFidelity() *ValidationReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cats := make([]string, 0, len(targets))
	for cat := range targets {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	report := &ValidationReport{AllOperationsMeetThreshold: true}
	var sum float64
	var n int

	for _, cat := range cats {
		target := targets[cat]
		m := t.byCat[cat]
		rate := successRate(m)
		passed := rate >= target
		if !passed {
			report.AllOperationsMeetThreshold = false
		}
		report.PerOperationResults = append(report.PerOperationResults, CategoryResult{
			Category:    cat,
			SuccessRate: rate,
			Target:      target,
			Passed:      passed,
		})
		sum += rate
		n++
	}
	if n > 0 {
		report.OverallFidelity = sum / float64(n)
	}
	return report
}

// ResetMetrics clears all counters. Explicit operator action only.
func (t *Tracker) ResetMetrics() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cat := range t.byCat {
		t.byCat[cat] = &Metric{}
	}
	t.logger.Info("fidelity metrics reset")
}

func successRate(m *Metric) float64 {
	if m == nil || m.Total == 0 {
		return 1
	}
	return float64(m.Successful) / float64(m.Total)
}
