// Package router implements expertise- and capacity-aware agent selection
// (mixture-of-experts routing) with a short-lived routing memory for
// session affinity.
package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/internal/metrics"
	"github.com/nexusflow/dispatch/types"
)

const (
	// memoryHitConfidence is returned when a task hits the routing memory.
	memoryHitConfidence = 0.9
	// degradedConfidence is returned when every agent is at capacity and
	// routing falls back to the least loaded agent.
	degradedConfidence = 0.3

	expertiseWeight = 0.8
	workloadWeight  = 0.2

	defaultMaxMemoryEntries = 1000
	defaultMemoryTTL        = 10 * time.Minute

	// scoreEpsilon bounds float comparison when detecting exact ties.
	scoreEpsilon = 1e-9
)

// memoryEntry remembers a recent routing decision for a task ID.
type memoryEntry struct {
	taskID    string
	agentID   string
	timestamp time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithMemoryTTL overrides the routing-memory TTL.
func WithMemoryTTL(ttl time.Duration) Option {
	return func(r *Router) { r.memoryTTL = ttl }
}

// WithMaxMemoryEntries overrides the routing-memory ring size.
func WithMaxMemoryEntries(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxMemoryEntries = n
		}
	}
}

// WithCollector attaches a prometheus collector counting routing decisions
// per outcome and observing confidence.
func WithCollector(c *metrics.Collector) Option {
	return func(r *Router) { r.collector = c }
}

// Router selects the best agent for a task by scoring declared expertise
// against the task description, discounted by current workload.
type Router struct {
	mu               sync.RWMutex
	agents           map[string]*types.Agent
	order            []string // registration order, for deterministic ties
	memory           []memoryEntry
	maxMemoryEntries int
	memoryTTL        time.Duration
	logger           *zap.Logger
	collector        *metrics.Collector
}

// New creates a Router.
func New(logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		agents:           make(map[string]*types.Agent),
		maxMemoryEntries: defaultMaxMemoryEntries,
		memoryTTL:        defaultMemoryTTL,
		logger:           logger.With(zap.String("component", "moe_router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent adds an agent to the pool. Re-registering an ID replaces
// the agent but keeps its original position in the registration order.
func (r *Router) RegisterAgent(agent *types.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; !exists {
		r.order = append(r.order, agent.ID)
	}
	r.agents[agent.ID] = agent
	r.logger.Info("agent registered",
		zap.String("id", agent.ID),
		zap.String("type", string(agent.Type)),
		zap.Strings("expertise", agent.Expertise),
	)
}

// UnregisterAgent removes an agent. Unknown IDs are a no-op.
func (r *Router) UnregisterAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		return
	}
	delete(r.agents, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("agent unregistered", zap.String("id", id))
}

// UpdateAgentWorkload sets an agent's current workload.
func (r *Router) UpdateAgentWorkload(id string, workload int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent not found: %s", id))
	}
	if workload < 0 {
		workload = 0
	}
	agent.Workload = workload
	return nil
}

// Agents returns a copy of the registered agent list in registration order.
func (r *Router) Agents() []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// AgentByID returns the agent with the given ID, or nil.
func (r *Router) AgentByID(id string) *types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// RouteTask selects an agent for the task.
//
// Selection order: routing-memory hit (confidence 0.9), highest combined
// expertise/workload score among agents under capacity, or the least loaded
// agent at confidence 0.3 when every agent is full. Exact score ties are
// broken by an ordered rule list (reviewer for "review" tasks, coder for
// "code" tasks, else first registered).
func (r *Router) RouteTask(task *types.Task) (*types.RoutingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.agents) == 0 {
		return nil, types.NewNoAgentsRegisteredError()
	}

	if agent := r.memoryHit(task.ID); agent != nil {
		r.recordDecision(task.ID, agent.ID)
		r.observe(agent, "memory_hit", memoryHitConfidence)
		r.logger.Debug("routing memory hit",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agent.ID),
		)
		return &types.RoutingResult{
			Agent:      agent,
			Confidence: memoryHitConfidence,
			Reasoning:  fmt.Sprintf("recent routing decision assigned task to %s", agent.Name),
		}, nil
	}

	desc := strings.ToLower(task.Description)

	best, bestScore := r.selectByScore(desc)
	if best == nil {
		// Every agent is at or over capacity: shed load onto the least
		// loaded agent rather than failing the call.
		least := r.leastLoaded()
		r.recordDecision(task.ID, least.ID)
		r.observe(least, "degraded", degradedConfidence)
		r.logger.Warn("all agents at capacity, degrading",
			zap.String("task_id", task.ID),
			zap.String("agent_id", least.ID),
		)
		return &types.RoutingResult{
			Agent:      least,
			Confidence: degradedConfidence,
			Reasoning:  fmt.Sprintf("all agents at capacity; selected least loaded agent %s", least.Name),
		}, nil
	}

	confidence := bestScore
	if confidence > 1 {
		confidence = 1
	}

	r.recordDecision(task.ID, best.ID)
	r.observe(best, "scored", confidence)
	r.logger.Debug("task routed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", best.ID),
		zap.Float64("score", bestScore),
	)
	return &types.RoutingResult{
		Agent:      best,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("selected %s: expertise/workload score %.3f over %d candidates",
			best.Name, bestScore, len(r.agents)),
	}, nil
}

// selectByScore scores agents under capacity and returns the winner, or nil
// when no agent can take more work. Caller holds the lock.
func (r *Router) selectByScore(desc string) (*types.Agent, float64) {
	var best *types.Agent
	bestScore := -1.0

	for _, id := range r.order {
		agent := r.agents[id]
		if agent.AtCapacity() {
			continue
		}

		score := expertiseWeight*expertiseScore(agent, desc) + workloadWeight*agent.WorkloadFactor()

		switch {
		case score > bestScore+scoreEpsilon:
			best = agent
			bestScore = score
		case score > bestScore-scoreEpsilon:
			// Exact tie: ordered tie-break rules, else keep first-seen.
			if winner := breakTie(best, agent, desc); winner != best {
				best = winner
			}
		}
	}
	return best, bestScore
}

// expertiseScore counts the agent's expertise keywords appearing as
// case-insensitive substrings of the task description, normalized by the
// agent's total expertise count.
func expertiseScore(agent *types.Agent, desc string) float64 {
	if len(agent.Expertise) == 0 {
		return 0
	}
	matches := 0
	for _, kw := range agent.Expertise {
		if strings.Contains(desc, strings.ToLower(kw)) {
			matches++
		}
	}
	return float64(matches) / float64(len(agent.Expertise))
}

// breakTie applies the ordered tie-break rules between the current winner
// and a challenger with an equal score. desc is already lowercased.
func breakTie(current, challenger *types.Agent, desc string) *types.Agent {
	if strings.Contains(desc, "review") {
		if challenger.Type == types.AgentTypeReviewer && current.Type != types.AgentTypeReviewer {
			return challenger
		}
		return current
	}
	if strings.Contains(desc, "code") {
		if challenger.Type == types.AgentTypeCoder && current.Type != types.AgentTypeCoder {
			return challenger
		}
		return current
	}
	return current
}

// observe records one routing decision on the collector, if attached.
func (r *Router) observe(agent *types.Agent, outcome string, confidence float64) {
	if r.collector != nil {
		r.collector.RecordRoutingDecision(string(agent.Type), outcome, confidence)
	}
}

// leastLoaded returns the agent with the smallest workload, first-seen on
// ties. Caller holds the lock and guarantees a non-empty pool.
func (r *Router) leastLoaded() *types.Agent {
	var least *types.Agent
	for _, id := range r.order {
		agent := r.agents[id]
		if least == nil || agent.Workload < least.Workload {
			least = agent
		}
	}
	return least
}

// memoryHit returns the remembered agent for a task ID when the entry is
// within the TTL window and the agent is still registered and under
// capacity. Expired entries are trimmed. Caller holds the lock.
func (r *Router) memoryHit(taskID string) *types.Agent {
	r.trimExpired()
	for i := len(r.memory) - 1; i >= 0; i-- {
		entry := r.memory[i]
		if entry.taskID != taskID {
			continue
		}
		agent, ok := r.agents[entry.agentID]
		if !ok || agent.AtCapacity() {
			return nil
		}
		return agent
	}
	return nil
}

// recordDecision appends to the routing memory, trimming from the oldest
// end when the ring overflows. Caller holds the lock.
func (r *Router) recordDecision(taskID, agentID string) {
	r.memory = append(r.memory, memoryEntry{taskID: taskID, agentID: agentID, timestamp: time.Now()})
	if len(r.memory) > r.maxMemoryEntries {
		r.memory = r.memory[len(r.memory)-r.maxMemoryEntries:]
	}
}

// trimExpired drops entries older than the TTL. Caller holds the lock.
func (r *Router) trimExpired() {
	cutoff := time.Now().Add(-r.memoryTTL)
	i := 0
	for ; i < len(r.memory); i++ {
		if r.memory[i].timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		r.memory = r.memory[i:]
	}
}

// ScoreFor evaluates the combined expertise/workload score a specific
// agent would receive for the task, capped at 1. It returns an error when
// the agent is unknown.
func (r *Router) ScoreFor(task *types.Task, agentID string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return 0, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("agent not found: %s", agentID))
	}
	desc := strings.ToLower(task.Description)
	score := expertiseWeight*expertiseScore(agent, desc) + workloadWeight*agent.WorkloadFactor()
	if score > 1 {
		score = 1
	}
	return score, nil
}

// MemorySize returns the number of live routing-memory entries.
func (r *Router) MemorySize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.memory)
}
