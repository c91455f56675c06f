package preserve

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/internal/metrics"
	"github.com/nexusflow/dispatch/types"
)

func TestPreserveRestore_RoundTrip(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil)
	ctx := context.Background()

	payload := map[string]any{"a": float64(1)}
	entry, err := m.PreserveContext(ctx, "h-1", payload)
	require.NoError(t, err)
	assert.Equal(t, "h-1", entry.HandoffID)
	assert.Equal(t, len(entry.SerializedData), entry.Size)
	assert.NotEmpty(t, entry.Checksum)

	restored, err := m.RestoreContext(ctx, "h-1")
	require.NoError(t, err)
	assert.Equal(t, payload, restored)

	// restore is single-use: the entry was consumed
	_, err = m.RestoreContext(ctx, "h-1")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrContextNotFound))
}

func TestRestore_MissingEntryIsDistinctFailure(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil)

	_, err := m.RestoreContext(context.Background(), "never-preserved")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrContextNotFound))
	assert.False(t, types.IsErrorCode(err, types.ErrContextIntegrity))
}

func TestRestore_CorruptionDetected(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, zap.NewNop(), nil)
	ctx := context.Background()

	_, err := m.PreserveContext(ctx, "h-2", map[string]any{"a": float64(1), "b": "x"})
	require.NoError(t, err)

	// corrupt the stored serialized form behind the manager's back
	entry, ok, err := store.Get(ctx, "h-2")
	require.NoError(t, err)
	require.True(t, ok)
	entry.SerializedData = `{"a":999,"b":"tampered"}`
	require.NoError(t, store.Put(ctx, entry))

	_, err = m.RestoreContext(ctx, "h-2")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrContextIntegrity))
	assert.Contains(t, err.Error(), "checksum mismatch")

	// the suspect entry is left in place, not silently consumed
	_, ok, err = store.Get(ctx, "h-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRollbackContext(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil)
	ctx := context.Background()

	_, err := m.PreserveContext(ctx, "h-3", map[string]any{"k": "v"})
	require.NoError(t, err)

	require.NoError(t, m.RollbackContext(ctx, "h-3"))
	_, err = m.RestoreContext(ctx, "h-3")
	assert.True(t, types.IsErrorCode(err, types.ErrContextNotFound))

	// rollback of a missing entry is still a no-op success
	require.NoError(t, m.RollbackContext(ctx, "h-3"))
}

func TestGetStatistics(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil)
	ctx := context.Background()

	_, err := m.PreserveContext(ctx, "h-4", map[string]any{"n": float64(1)})
	require.NoError(t, err)
	_, err = m.PreserveContext(ctx, "h-5", map[string]any{"n": float64(2)})
	require.NoError(t, err)
	_, err = m.RestoreContext(ctx, "h-4")
	require.NoError(t, err)
	require.NoError(t, m.RollbackContext(ctx, "h-5"))

	stats, err := m.GetStatistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Preserved)
	assert.EqualValues(t, 1, stats.Restored)
	assert.EqualValues(t, 1, stats.RolledBack)
	assert.Equal(t, 0, stats.Entries)
	assert.EqualValues(t, 0, stats.TotalBytes)
}

func TestPreserve_NestedPayloadDeepEqual(t *testing.T) {
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil)
	ctx := context.Background()

	payload := map[string]any{
		"conversation": map[string]any{
			"messages": []any{"hello", "world"},
			"turn":     float64(3),
		},
		"variables": map[string]any{"lang": "go"},
	}
	_, err := m.PreserveContext(ctx, "h-6", payload)
	require.NoError(t, err)

	restored, err := m.RestoreContext(ctx, "h-6")
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

func TestManager_RecordsPreservationMetrics(t *testing.T) {
	ns := fmt.Sprintf("dispatch_preserve_%d", time.Now().UnixNano())
	c := metrics.NewCollector(ns, zap.NewNop())
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil, WithCollector(c))
	ctx := context.Background()

	_, err := m.PreserveContext(ctx, "h-m1", map[string]any{"k": "v"})
	require.NoError(t, err)
	_, err = m.RestoreContext(ctx, "h-m1")
	require.NoError(t, err)
	_, err = m.PreserveContext(ctx, "h-m2", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, m.RollbackContext(ctx, "h-m2"))

	expected := fmt.Sprintf(`
# HELP %[1]s_context_preservation_ops_total Total number of context preservation operations
# TYPE %[1]s_context_preservation_ops_total counter
%[1]s_context_preservation_ops_total{op="preserve",status="ok"} 2
%[1]s_context_preservation_ops_total{op="restore",status="ok"} 1
%[1]s_context_preservation_ops_total{op="rollback",status="ok"} 1
`, ns)
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), ns+"_context_preservation_ops_total"))

	// payload sizes go to the histogram labeled by store backend
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer, ns+"_preserved_context_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_RecordsFailedRestoreMetric(t *testing.T) {
	ns := fmt.Sprintf("dispatch_preserve_fail_%d", time.Now().UnixNano())
	c := metrics.NewCollector(ns, zap.NewNop())
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil, WithCollector(c))

	_, err := m.RestoreContext(context.Background(), "never-preserved")
	require.Error(t, err)

	expected := fmt.Sprintf(`
# HELP %[1]s_context_preservation_ops_total Total number of context preservation operations
# TYPE %[1]s_context_preservation_ops_total counter
%[1]s_context_preservation_ops_total{op="restore",status="failed"} 1
`, ns)
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), ns+"_context_preservation_ops_total"))
}
