package router

import (
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

func testAgents() []*types.Agent {
	return []*types.Agent{
		{ID: "coder-1", Type: types.AgentTypeCoder, Name: "coder", Expertise: []string{"js", "ts", "react"}, Capacity: 5},
		{ID: "reviewer-1", Type: types.AgentTypeReviewer, Name: "reviewer", Expertise: []string{"code-review", "security"}, Capacity: 3},
		{ID: "debugger-1", Type: types.AgentTypeDebugger, Name: "debugger", Expertise: []string{"debugging"}, Capacity: 4},
	}
}

func newTestRouter(t *testing.T, agents ...*types.Agent) *Router {
	t.Helper()
	r := New(zap.NewNop())
	for _, a := range agents {
		r.RegisterAgent(a)
	}
	return r
}

func TestRouteTask_ReturnsAgentWithBoundedConfidence(t *testing.T) {
	r := newTestRouter(t, testAgents()...)

	result, err := r.RouteTask(&types.Task{ID: "t-1", Description: "Fix a bug in the React component"})
	require.NoError(t, err)
	require.NotNil(t, result.Agent)
	assert.GreaterOrEqual(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)
	assert.NotEmpty(t, result.Reasoning)
}

func TestRouteTask_CapacityDegradation(t *testing.T) {
	agents := testAgents()
	agents[0].Workload = 5
	agents[1].Workload = 3
	agents[2].Workload = 4
	r := newTestRouter(t, agents...)

	result, err := r.RouteTask(&types.Task{ID: "t-2", Description: "anything at all"})
	require.NoError(t, err)
	assert.Equal(t, 0.3, result.Confidence)
	assert.Contains(t, result.Reasoning, "least loaded agent")
	// reviewer-1 has the smallest absolute workload
	assert.Equal(t, "reviewer-1", result.Agent.ID)
}

func TestRouteTask_EmptyRouterFails(t *testing.T) {
	r := New(zap.NewNop())

	_, err := r.RouteTask(&types.Task{ID: "t-3", Description: "whatever"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No agents registered with the router")
	assert.True(t, types.IsErrorCode(err, types.ErrNoAgentsRegistered))
}

func TestRouteTask_ExpertiseWins(t *testing.T) {
	r := newTestRouter(t, testAgents()...)

	result, err := r.RouteTask(&types.Task{ID: "t-4", Description: "debugging a crash in production"})
	require.NoError(t, err)
	assert.Equal(t, "debugger-1", result.Agent.ID)
}

func TestRouteTask_MemoryAffinity(t *testing.T) {
	r := newTestRouter(t, testAgents()...)
	task := &types.Task{ID: "sticky", Description: "debugging session"}

	first, err := r.RouteTask(task)
	require.NoError(t, err)

	second, err := r.RouteTask(task)
	require.NoError(t, err)
	assert.Equal(t, first.Agent.ID, second.Agent.ID)
	assert.Equal(t, 0.9, second.Confidence)
	assert.Contains(t, second.Reasoning, "recent routing decision")
}

func TestRouteTask_MemoryIgnoredPastTTL(t *testing.T) {
	r := New(zap.NewNop(), WithMemoryTTL(10*time.Millisecond))
	for _, a := range testAgents() {
		r.RegisterAgent(a)
	}
	task := &types.Task{ID: "stale", Description: "debugging session"}

	_, err := r.RouteTask(task)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	result, err := r.RouteTask(task)
	require.NoError(t, err)
	assert.NotEqual(t, 0.9, result.Confidence, "expired memory entry must not produce an affinity hit")
}

func TestRouteTask_MemorySkippedWhenAgentFull(t *testing.T) {
	r := newTestRouter(t, testAgents()...)
	task := &types.Task{ID: "full-agent", Description: "debugging session"}

	first, err := r.RouteTask(task)
	require.NoError(t, err)
	require.Equal(t, "debugger-1", first.Agent.ID)

	require.NoError(t, r.UpdateAgentWorkload("debugger-1", 4))

	second, err := r.RouteTask(task)
	require.NoError(t, err)
	assert.NotEqual(t, "debugger-1", second.Agent.ID)
}

func TestRouteTask_TieBreakPrefersReviewerForReviewTasks(t *testing.T) {
	// No expertise keywords match, workloads equal: every agent ties.
	r := newTestRouter(t,
		&types.Agent{ID: "c", Type: types.AgentTypeCoder, Name: "c", Expertise: []string{"go"}, Capacity: 2},
		&types.Agent{ID: "r", Type: types.AgentTypeReviewer, Name: "r", Expertise: []string{"security"}, Capacity: 2},
	)

	result, err := r.RouteTask(&types.Task{ID: "t-5", Description: "please review this change"})
	require.NoError(t, err)
	assert.Equal(t, "r", result.Agent.ID)
}

func TestRouteTask_TieBreakPrefersCoderForCodeTasks(t *testing.T) {
	r := newTestRouter(t,
		&types.Agent{ID: "d", Type: types.AgentTypeDebugger, Name: "d", Expertise: []string{"x"}, Capacity: 2},
		&types.Agent{ID: "c", Type: types.AgentTypeCoder, Name: "c", Expertise: []string{"y"}, Capacity: 2},
	)

	result, err := r.RouteTask(&types.Task{ID: "t-6", Description: "write some code for me"})
	require.NoError(t, err)
	assert.Equal(t, "c", result.Agent.ID)
}

func TestRouteTask_TieBreakKeepsFirstSeen(t *testing.T) {
	r := newTestRouter(t,
		&types.Agent{ID: "a", Type: types.AgentTypeGeneral, Name: "a", Expertise: []string{"x"}, Capacity: 2},
		&types.Agent{ID: "b", Type: types.AgentTypeGeneral, Name: "b", Expertise: []string{"y"}, Capacity: 2},
	)

	result, err := r.RouteTask(&types.Task{ID: "t-7", Description: "an unrelated task"})
	require.NoError(t, err)
	assert.Equal(t, "a", result.Agent.ID)
}

func TestUnregisterAgent_Idempotent(t *testing.T) {
	r := newTestRouter(t, testAgents()...)
	require.Len(t, r.Agents(), 3)

	r.UnregisterAgent("no-such-agent")
	assert.Len(t, r.Agents(), 3)

	r.UnregisterAgent("coder-1")
	assert.Len(t, r.Agents(), 2)
	r.UnregisterAgent("coder-1")
	assert.Len(t, r.Agents(), 2)
}

func TestUpdateAgentWorkload(t *testing.T) {
	r := newTestRouter(t, testAgents()...)

	require.NoError(t, r.UpdateAgentWorkload("coder-1", 2))
	assert.Equal(t, 2, r.AgentByID("coder-1").Workload)

	// negative workloads clamp to zero
	require.NoError(t, r.UpdateAgentWorkload("coder-1", -1))
	assert.Equal(t, 0, r.AgentByID("coder-1").Workload)

	err := r.UpdateAgentWorkload("ghost", 1)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrAgentNotFound))
}

func TestAgents_ReturnsCopy(t *testing.T) {
	r := newTestRouter(t, testAgents()...)
	list := r.Agents()
	list[0] = nil
	assert.NotNil(t, r.Agents()[0])
}

func TestRoutingMemory_RingBounded(t *testing.T) {
	r := New(zap.NewNop(), WithMaxMemoryEntries(5))
	for _, a := range testAgents() {
		r.RegisterAgent(a)
	}

	for i := 0; i < 20; i++ {
		_, err := r.RouteTask(&types.Task{ID: fmt.Sprintf("t-%d", i), Description: "debugging"})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, r.MemorySize(), 5)
}

func TestScoreFor(t *testing.T) {
	r := newTestRouter(t, testAgents()...)

	score, err := r.ScoreFor(&types.Task{ID: "t-1", Description: "react and ts cleanup"}, "coder-1")
	require.NoError(t, err)
	// two of three expertise keywords match, idle workload
	assert.InDelta(t, 0.8*(2.0/3.0)+0.2, score, 1e-9)

	_, err = r.ScoreFor(&types.Task{ID: "t-1", Description: "anything"}, "ghost")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrAgentNotFound))
}

func TestRouteTask_RecordsRoutingMetrics(t *testing.T) {
	ns := fmt.Sprintf("dispatch_router_%d", time.Now().UnixNano())
	c := metrics.NewCollector(ns, zap.NewNop())
	r := New(zap.NewNop(), WithCollector(c))
	for _, a := range testAgents() {
		r.RegisterAgent(a)
	}

	result, err := r.RouteTask(&types.Task{ID: "t-m1", Description: "debugging a crash"})
	require.NoError(t, err)

	expected := fmt.Sprintf(`
# HELP %[1]s_routing_decisions_total Total number of routing decisions
# TYPE %[1]s_routing_decisions_total counter
%[1]s_routing_decisions_total{agent_type=%[2]q,outcome="scored"} 1
`, ns, string(result.Agent.Type))
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), ns+"_routing_decisions_total"))
}

func TestRouteTask_RecordsDegradedMetric(t *testing.T) {
	ns := fmt.Sprintf("dispatch_router_deg_%d", time.Now().UnixNano())
	c := metrics.NewCollector(ns, zap.NewNop())
	agents := testAgents()
	for _, a := range agents {
		a.Workload = a.Capacity
	}
	r := New(zap.NewNop(), WithCollector(c))
	for _, a := range agents {
		r.RegisterAgent(a)
	}

	result, err := r.RouteTask(&types.Task{ID: "t-m2", Description: "anything"})
	require.NoError(t, err)

	expected := fmt.Sprintf(`
# HELP %[1]s_routing_decisions_total Total number of routing decisions
# TYPE %[1]s_routing_decisions_total counter
%[1]s_routing_decisions_total{agent_type=%[2]q,outcome="degraded"} 1
`, ns, string(result.Agent.Type))
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), ns+"_routing_decisions_total"))
}
