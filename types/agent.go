package types

import "context"

// AgentType classifies an agent by its primary role.
type AgentType string

const (
	AgentTypeCoder      AgentType = "coder"
	AgentTypeReviewer   AgentType = "reviewer"
	AgentTypeDebugger   AgentType = "debugger"
	AgentTypeResearcher AgentType = "researcher"
	AgentTypeGeneral    AgentType = "general"
)

// Agent is a worker with declared expertise and bounded capacity.
//
// Workload may transiently exceed Capacity; routing treats
// Workload >= Capacity as "full". The owning registry mutates Workload on
// assignment and completion; the router only borrows a reference.
type Agent struct {
	ID        string    `json:"id"`
	Type      AgentType `json:"type"`
	Name      string    `json:"name"`
	Expertise []string  `json:"expertise"`
	Workload  int       `json:"workload"`
	Capacity  int       `json:"capacity"`
}

// AtCapacity reports whether the agent cannot accept more work.
func (a *Agent) AtCapacity() bool {
	return a.Workload >= a.Capacity
}

// WorkloadFactor returns 1 - workload/capacity, clamped to [0, 1].
// A fully loaded agent scores 0; an idle one scores 1.
func (a *Agent) WorkloadFactor() float64 {
	if a.Capacity <= 0 {
		return 0
	}
	f := 1 - float64(a.Workload)/float64(a.Capacity)
	if f < 0 {
		return 0
	}
	return f
}

// Task is an immutable unit of work submitted for routing.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	Context     map[string]any `json:"context,omitempty"`
}

// RoutingResult is produced per routing call; it is not persisted beyond
// the router's short-lived routing memory.
type RoutingResult struct {
	Agent      *Agent  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Provider is an execution backend the dispatch core can hand work to.
// Implementations live outside this module (local and remote inference
// services); the core only depends on this contract.
type Provider interface {
	// Name returns the provider's identifier, used in logs and
	// aggregated error messages.
	Name() string
	// IsAvailable reports whether the provider can currently serve
	// requests. Probes should be cheap; the fallback adapter caches and
	// rate-limits them.
	IsAvailable(ctx context.Context) bool
	// Invoke executes an operation against the provider.
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// AgentRegistry is the collaborator contract for listing known agents.
type AgentRegistry interface {
	List() []*Agent
}
