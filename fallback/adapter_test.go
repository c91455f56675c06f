package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
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

// mockProvider implements types.Provider with function callbacks.
type mockProvider struct {
	name        string
	availableFn func(ctx context.Context) bool
	invokeFn    func(ctx context.Context, params map[string]any) (any, error)
	invocations int64
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) IsAvailable(ctx context.Context) bool {
	if m.availableFn != nil {
		return m.availableFn(ctx)
	}
	return true
}

func (m *mockProvider) Invoke(ctx context.Context, params map[string]any) (any, error) {
	atomic.AddInt64(&m.invocations, 1)
	if m.invokeFn != nil {
		return m.invokeFn(ctx, params)
	}
	return "ok:" + m.name, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	// Keep probes fresh so tests see availability changes immediately.
	cfg.ProbeCacheTTL = time.Nanosecond
	cfg.ProbeInterval = time.Nanosecond
	return cfg
}

func TestExecute_PrimarySucceeds(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)
	primary := &mockProvider{name: "local"}
	secondary := &mockProvider{name: "cloud"}

	result, err := a.Execute(context.Background(), "inference", primary, secondary, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:local", result)
	assert.EqualValues(t, 0, atomic.LoadInt64(&secondary.invocations))
}

func TestExecute_FallsBackOnPrimaryFailure(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)
	primary := &mockProvider{
		name:     "local",
		invokeFn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("oom") },
	}
	secondary := &mockProvider{name: "cloud"}

	result, err := a.Execute(context.Background(), "inference", primary, secondary, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:cloud", result)
}

func TestExecute_FallsBackOnPrimaryUnavailable(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)
	primary := &mockProvider{
		name:        "local",
		availableFn: func(context.Context) bool { return false },
	}
	secondary := &mockProvider{name: "cloud"}

	result, err := a.Execute(context.Background(), "inference", primary, secondary, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:cloud", result)
	assert.EqualValues(t, 0, atomic.LoadInt64(&primary.invocations), "unavailable primary must not be invoked")
}

func TestExecute_BothFailAggregatesErrors(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)
	primary := &mockProvider{
		name:     "local",
		invokeFn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("local broke") },
	}
	secondary := &mockProvider{
		name:     "cloud",
		invokeFn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("cloud broke") },
	}

	_, err := a.Execute(context.Background(), "inference", primary, secondary, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local broke")
	assert.Contains(t, err.Error(), "cloud broke")
}

func TestExecute_NoSecondary(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)
	primary := &mockProvider{
		name:     "local",
		invokeFn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("down") },
	}

	_, err := a.Execute(context.Background(), "inference", primary, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrNoFallbackProvider))
	assert.Contains(t, err.Error(), "no suitable fallback provider found")
}

func TestExecuteRegistered_UsesChainOrder(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)
	a.RegisterProvider("inference", &mockProvider{
		name:     "local",
		invokeFn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("down") },
	})
	a.RegisterProvider("inference", &mockProvider{name: "cloud"})

	result, err := a.ExecuteRegistered(context.Background(), "inference", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:cloud", result)
}

func TestExecuteRegistered_EmptyRegistry(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)

	_, err := a.ExecuteRegistered(context.Background(), "unknown-op", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no suitable fallback provider found")
}

func TestExecuteToolWithDegradation(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)

	// no provider registered at all: degraded, not an error
	res := a.ExecuteToolWithDegradation(context.Background(), "search", nil)
	require.NotNil(t, res)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Reason)

	a.RegisterProvider("tool.execution", &mockProvider{name: "tools"})
	res = a.ExecuteToolWithDegradation(context.Background(), "search", nil)
	assert.False(t, res.Degraded)
	assert.Equal(t, "ok:tools", res.Output)
}

func TestSwitchModeWithDegradation_KeepsCurrentMode(t *testing.T) {
	a := NewAdapter(testConfig(), zap.NewNop(), nil)
	a.RegisterProvider("mode.switching", &mockProvider{
		name:     "modes",
		invokeFn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("refused") },
	})

	res := a.SwitchModeWithDegradation(context.Background(), "chat", "vision")
	assert.True(t, res.Degraded)
	assert.Equal(t, "chat", res.Output)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker = BreakerConfig{Threshold: 2, ResetTimeout: time.Hour, HalfOpenMaxCalls: 1}
	a := NewAdapter(cfg, zap.NewNop(), nil)

	failing := &mockProvider{
		name:     "flaky",
		invokeFn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("boom") },
	}

	for i := 0; i < 2; i++ {
		_, err := a.Execute(context.Background(), "inference", failing, nil, nil)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, a.BreakerState("flaky"))

	// breaker open: the provider is no longer invoked
	before := atomic.LoadInt64(&failing.invocations)
	_, err := a.Execute(context.Background(), "inference", failing, nil, nil)
	require.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt64(&failing.invocations))
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 1, ResetTimeout: 5 * time.Millisecond, HalfOpenMaxCalls: 1})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	time.Sleep(10 * time.Millisecond)
	require.True(t, b.Allow(), "reset timeout elapsed, trial call admitted")
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestExecute_RecordsFallbackMetrics(t *testing.T) {
	ns := fmt.Sprintf("dispatch_fallback_%d", time.Now().UnixNano())
	c := metrics.NewCollector(ns, zap.NewNop())
	a := NewAdapter(testConfig(), zap.NewNop(), nil, WithCollector(c))

	primary := &mockProvider{
		name:     "local",
		invokeFn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("oom") },
	}
	secondary := &mockProvider{name: "cloud"}

	_, err := a.Execute(context.Background(), "inference", primary, secondary, nil)
	require.NoError(t, err)

	expected := fmt.Sprintf(`
# HELP %[1]s_fallback_invocations_total Total number of provider fallback invocations
# TYPE %[1]s_fallback_invocations_total counter
%[1]s_fallback_invocations_total{operation="inference",outcome="succeeded"} 1
`, ns)
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), ns+"_fallback_invocations_total"))
}

func TestExecute_RecordsFallbackFailureMetric(t *testing.T) {
	ns := fmt.Sprintf("dispatch_fallback_fail_%d", time.Now().UnixNano())
	c := metrics.NewCollector(ns, zap.NewNop())
	a := NewAdapter(testConfig(), zap.NewNop(), nil, WithCollector(c))

	boom := func(context.Context, map[string]any) (any, error) { return nil, errors.New("boom") }
	primary := &mockProvider{name: "local", invokeFn: boom}
	secondary := &mockProvider{name: "cloud", invokeFn: boom}

	_, err := a.Execute(context.Background(), "inference", primary, secondary, nil)
	require.Error(t, err)

	expected := fmt.Sprintf(`
# HELP %[1]s_fallback_invocations_total Total number of provider fallback invocations
# TYPE %[1]s_fallback_invocations_total counter
%[1]s_fallback_invocations_total{operation="inference",outcome="failed"} 1
`, ns)
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), ns+"_fallback_invocations_total"))
}
