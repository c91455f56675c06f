// Package preserve implements the context-preservation subsystem:
// serialize, checksum, store, restore, and roll back context payloads that
// must survive a handoff boundary.
package preserve

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/bus"
	"github.com/nexusflow/dispatch/internal/metrics"
	"github.com/nexusflow/dispatch/types"
)

// Statistics reports the manager's lifetime counters and current store
// occupancy.
type Statistics struct {
	Preserved  int64 `json:"preserved"`
	Restored   int64 `json:"restored"`
	RolledBack int64 `json:"rolled_back"`
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithCollector attaches a prometheus collector counting preservation
// operations and payload sizes.
func WithCollector(c *metrics.Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// Manager owns preserved context entries for the duration of a handoff.
type Manager struct {
	store     Store
	logger    *zap.Logger
	events    bus.Bus
	collector *metrics.Collector

	preserved  atomic.Int64
	restored   atomic.Int64
	rolledBack atomic.Int64
}

// NewManager creates a Manager. store defaults to an in-memory store and
// events may be nil.
func NewManager(store Store, logger *zap.Logger, events bus.Bus, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:  store,
		logger: logger.With(zap.String("component", "context_preservation")),
		events: events,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PreserveContext serializes the payload to canonical JSON, checksums it,
// and stores the entry under handoffID. A failure stores nothing and
// publishes a preserve-failed event.
func (m *Manager) PreserveContext(ctx context.Context, handoffID string, payload map[string]any) (*PreservedContext, error) {
	start := time.Now()

	serialized, err := canonicalize(payload)
	if err != nil {
		m.opFailed("preserve", bus.EventContextPreserveFailed, handoffID, start, err.Error())
		return nil, fmt.Errorf("serialize context for handoff %s: %w", handoffID, err)
	}

	entry := &PreservedContext{
		HandoffID:      handoffID,
		SerializedData: serialized,
		Checksum:       Checksum(serialized),
		Timestamp:      time.Now(),
		Size:           len(serialized),
	}
	if err := m.store.Put(ctx, entry); err != nil {
		m.opFailed("preserve", bus.EventContextPreserveFailed, handoffID, start, err.Error())
		return nil, fmt.Errorf("preserve context for handoff %s: %w", handoffID, err)
	}

	m.preserved.Add(1)
	if m.collector != nil {
		m.collector.RecordPreservationOp("preserve", "ok")
		m.collector.RecordPreservedSize(m.store.Name(), entry.Size)
	}
	m.publish(bus.EventContextPreserved, map[string]any{
		"handoff_id":  handoffID,
		"size":        entry.Size,
		"checksum":    entry.Checksum,
		"duration_ms": durationMs(time.Since(start)),
	})
	m.logger.Debug("context preserved",
		zap.String("handoff_id", handoffID),
		zap.Int("size", entry.Size),
	)
	return entry, nil
}

// RestoreContext verifies and deserializes the stored entry, deleting it
// on success (at-most-once restore). A missing entry is the distinct
// ContextNotFound failure; a checksum mismatch is a ContextIntegrityError
// and leaves the entry in place.
func (m *Manager) RestoreContext(ctx context.Context, handoffID string) (map[string]any, error) {
	start := time.Now()

	entry, ok, err := m.store.Get(ctx, handoffID)
	if err != nil {
		m.opFailed("restore", bus.EventContextRestoreFailed, handoffID, start, err.Error())
		return nil, fmt.Errorf("load context for handoff %s: %w", handoffID, err)
	}
	if !ok {
		m.opFailed("restore", bus.EventContextRestoreFailed, handoffID, start, "not found")
		return nil, types.NewError(types.ErrContextNotFound,
			fmt.Sprintf("no preserved context for handoff %s", handoffID))
	}

	if got := Checksum(entry.SerializedData); got != entry.Checksum {
		m.opFailed("restore", bus.EventContextRestoreFailed, handoffID, start, "checksum mismatch")
		m.logger.Error("context integrity violation",
			zap.String("handoff_id", handoffID),
			zap.String("stored", entry.Checksum),
			zap.String("computed", got),
		)
		return nil, types.NewContextIntegrityError(handoffID, entry.Checksum, got)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(entry.SerializedData), &payload); err != nil {
		m.opFailed("restore", bus.EventContextRestoreFailed, handoffID, start, err.Error())
		return nil, fmt.Errorf("deserialize context for handoff %s: %w", handoffID, err)
	}

	if err := m.store.Delete(ctx, handoffID); err != nil {
		m.opFailed("restore", bus.EventContextRestoreFailed, handoffID, start, err.Error())
		return nil, fmt.Errorf("consume context for handoff %s: %w", handoffID, err)
	}

	m.restored.Add(1)
	if m.collector != nil {
		m.collector.RecordPreservationOp("restore", "ok")
	}
	m.publish(bus.EventContextRestored, map[string]any{
		"handoff_id":  handoffID,
		"duration_ms": durationMs(time.Since(start)),
	})
	return payload, nil
}

// RollbackContext discards the stored entry unconditionally.
func (m *Manager) RollbackContext(ctx context.Context, handoffID string) error {
	start := time.Now()

	if err := m.store.Delete(ctx, handoffID); err != nil {
		if m.collector != nil {
			m.collector.RecordPreservationOp("rollback", "failed")
		}
		return fmt.Errorf("rollback context for handoff %s: %w", handoffID, err)
	}
	m.rolledBack.Add(1)
	if m.collector != nil {
		m.collector.RecordPreservationOp("rollback", "ok")
	}
	m.publish(bus.EventContextRollback, map[string]any{
		"handoff_id":  handoffID,
		"duration_ms": durationMs(time.Since(start)),
	})
	m.logger.Debug("context rolled back", zap.String("handoff_id", handoffID))
	return nil
}

// GetStatistics returns lifetime counters and current store occupancy.
func (m *Manager) GetStatistics(ctx context.Context) (*Statistics, error) {
	count, bytes, err := m.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("preservation statistics: %w", err)
	}
	return &Statistics{
		Preserved:  m.preserved.Load(),
		Restored:   m.restored.Load(),
		RolledBack: m.rolledBack.Load(),
		Entries:    count,
		TotalBytes: bytes,
	}, nil
}

// canonicalize serializes a payload to its canonical string form: JSON
// with lexicographically ordered keys, which encoding/json guarantees for
// maps.
func canonicalize(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// opFailed counts and publishes one failed preservation operation.
func (m *Manager) opFailed(op string, eventType bus.EventType, handoffID string, start time.Time, errMsg string) {
	if m.collector != nil {
		m.collector.RecordPreservationOp(op, "failed")
	}
	m.publish(eventType, map[string]any{
		"handoff_id":  handoffID,
		"error":       errMsg,
		"duration_ms": durationMs(time.Since(start)),
	})
}

// durationMs converts a duration to fractional milliseconds for event
// payloads read by the fidelity tracker.
func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (m *Manager) publish(eventType bus.EventType, data map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.NewMessage(eventType, data))
}
