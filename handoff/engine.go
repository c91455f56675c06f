// Package handoff implements the decision and configuration engine that
// moves tasks between agents: confidence gating, chain-depth limits,
// context preservation around execution, retry with fallback, and
// latency accounting.
package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nexusflow/dispatch/bus"
	"github.com/nexusflow/dispatch/fallback"
	"github.com/nexusflow/dispatch/fidelity"
	"github.com/nexusflow/dispatch/history"
	"github.com/nexusflow/dispatch/internal/ctxkeys"
	"github.com/nexusflow/dispatch/internal/metrics"
	"github.com/nexusflow/dispatch/preserve"
	"github.com/nexusflow/dispatch/retry"
	"github.com/nexusflow/dispatch/router"
	"github.com/nexusflow/dispatch/types"
)

// OperationExecute is the fallback-registry operation name handoff
// execution runs under. Register providers for it on the adapter before
// initiating handoffs.
const OperationExecute = "handoff.execute"

const fidelityCategory = fidelity.CategoryEventProcessing

// ConfidenceEvaluator scores how well a target agent fits a task.
// The default implementation delegates to the router.
type ConfidenceEvaluator interface {
	Evaluate(ctx context.Context, task *types.Task, targetAgentID string) (float64, error)
}

type routerEvaluator struct {
	router *router.Router
}

func (e routerEvaluator) Evaluate(_ context.Context, task *types.Task, targetAgentID string) (float64, error) {
	return e.router.ScoreFor(task, targetAgentID)
}

// Result describes the outcome of a handoff attempt. Accepted is false
// when the handoff was declined without executing; declined results carry
// the reason and are not errors.
type Result struct {
	HandoffID   string         `json:"handoff_id"`
	Accepted    bool           `json:"accepted"`
	SourceAgent string         `json:"source_agent"`
	TargetAgent string         `json:"target_agent"`
	TaskID      string         `json:"task_id"`
	Confidence  float64        `json:"confidence"`
	Depth       int            `json:"depth"`
	Reason      string         `json:"reason,omitempty"`
	Output      any            `json:"output,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator replaces the router-backed confidence evaluator.
func WithEvaluator(eval ConfidenceEvaluator) Option {
	return func(e *Engine) { e.evaluator = eval }
}

// WithHistory attaches an audit-log store.
func WithHistory(store *history.Store) Option {
	return func(e *Engine) { e.history = store }
}

// WithCollector attaches a prometheus collector.
func WithCollector(c *metrics.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithTracker attaches a fidelity tracker for latency-threshold
// accounting.
func WithTracker(t *fidelity.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// Engine coordinates one handoff end to end. It does not throttle
// concurrent handoffs itself; MaxConcurrentHandoffs is enforced by the
// composing process.
type Engine struct {
	mu        sync.RWMutex
	config    Config
	retrier   *retry.Controller
	router    *router.Router
	evaluator ConfidenceEvaluator
	preserver *preserve.Manager
	adapter   *fallback.Adapter
	tracker   *fidelity.Tracker
	collector *metrics.Collector
	history   *history.Store
	events    bus.Bus
	base      *zap.Logger // component logger before level gating
	logger    *zap.Logger // base gated to config.LogLevel
	tracer    trace.Tracer
}

// NewEngine creates an Engine with the given collaborators. A nil config
// error means cfg passed validation; construction fails fast otherwise.
func NewEngine(cfg Config, rt *router.Router, pres *preserve.Manager, adapter *fallback.Adapter,
	events bus.Bus, logger *zap.Logger, opts ...Option) (*Engine, error) {

	if violations := cfg.Validate(); len(violations) > 0 {
		return nil, types.NewConfigValidationError(violations)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		router:    rt,
		evaluator: routerEvaluator{router: rt},
		preserver: pres,
		adapter:   adapter,
		events:    events,
		base:      logger.With(zap.String("component", "handoff_engine")),
		tracer:    otel.Tracer("github.com/nexusflow/dispatch/handoff"),
	}
	e.setConfigLocked(cfg)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns a copy of the live configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// UpdateConfig applies a partial update atomically. The patched copy is
// validated first; any violation rejects the whole patch and the live
// configuration is left untouched.
func (e *Engine) UpdateConfig(patch Patch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	candidate := patch.apply(e.config)
	if violations := candidate.Validate(); len(violations) > 0 {
		e.logger.Warn("config update rejected", zap.Strings("violations", violations))
		return types.NewConfigValidationError(violations)
	}
	e.setConfigLocked(candidate)
	e.logger.Info("config updated",
		zap.Float64("confidence_threshold", candidate.ConfidenceThreshold),
		zap.Int("max_handoff_depth", candidate.MaxHandoffDepth),
	)
	return nil
}

// ApplyPreset replaces the configuration with a shipped preset.
func (e *Engine) ApplyPreset(name string) error {
	cfg, err := Preset(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setConfigLocked(cfg)
	e.logger.Info("preset applied", zap.String("preset", name))
	return nil
}

// LoadFromEnvironment overlays HANDOFF_* environment variables onto the
// live configuration. Unparsable or invariant-breaking values are
// silently skipped; this never fails.
func (e *Engine) LoadFromEnvironment() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setConfigLocked(fromEnvironment(e.config))
}

// CheckConfigHealth re-validates the live configuration without failing.
func (e *Engine) CheckConfigHealth() HealthReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	violations := e.config.Validate()
	return HealthReport{IsValid: len(violations) == 0, Errors: violations}
}

// setConfigLocked swaps the config, re-gates the logger to the configured
// log level, and rebuilds the retry controller so in-flight handoffs keep
// their old retry policy. Caller holds the lock.
func (e *Engine) setConfigLocked(cfg Config) {
	e.config = cfg
	e.logger = leveledLogger(e.base, cfg.LogLevel)
	e.retrier = retry.NewController(cfg.RetryConfig(), e.logger, e.events)
}

// leveledLogger raises the logger's minimum level to the configured one.
// Unrecognized levels leave the logger unchanged.
func leveledLogger(base *zap.Logger, level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return base
	}
	return base.WithOptions(zap.IncreaseLevel(lvl))
}

// log returns the current level-gated logger. The logger is swapped on
// config updates, so unlocked paths read it through here.
func (e *Engine) log() *zap.Logger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.logger
}

// InitiateHandoff hands the task from source to target.
//
// Chain depth is read from ctx and incremented; past MaxHandoffDepth the
// handoff is declined without executing. Target confidence below
// ConfidenceThreshold also declines, leaving the task with the source
// agent. Otherwise the task context is preserved, execution runs through
// the fallback adapter under the retry policy, and the context is
// restored on success or rolled back on failure.
//
// An empty target lets the router pick the agent.
func (e *Engine) InitiateHandoff(ctx context.Context, sourceAgentID, targetAgentID string, task *types.Task, payload map[string]any) (*Result, error) {
	e.mu.RLock()
	cfg := e.config
	retrier := e.retrier
	log := e.logger
	e.mu.RUnlock()

	start := time.Now()
	handoffID := uuid.NewString()

	chainID, ok := ctxkeys.ChainID(ctx)
	if !ok {
		chainID = handoffID
		ctx = ctxkeys.WithChainID(ctx, chainID)
	}
	depth := ctxkeys.HandoffDepth(ctx) + 1
	ctx = ctxkeys.WithHandoffDepth(ctx, depth)

	ctx, span := e.tracer.Start(ctx, "handoff.initiate", trace.WithAttributes(
		attribute.String("handoff.id", handoffID),
		attribute.String("handoff.chain_id", chainID),
		attribute.String("handoff.source", sourceAgentID),
		attribute.Int("handoff.depth", depth),
	))
	defer span.End()

	if depth > cfg.MaxHandoffDepth {
		log.Warn("handoff depth exceeded",
			zap.String("handoff_id", handoffID),
			zap.Int("depth", depth),
			zap.Int("max_depth", cfg.MaxHandoffDepth),
		)
		return e.declined(handoffID, chainID, sourceAgentID, targetAgentID, task, depth, 0,
			"maximum handoff depth reached", start), nil
	}

	confidence, targetAgentID, err := e.evaluateTarget(ctx, task, targetAgentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("handoff.target", targetAgentID),
		attribute.Float64("handoff.confidence", confidence),
	)

	if confidence < cfg.ConfidenceThreshold {
		log.Info("handoff declined on confidence",
			zap.String("handoff_id", handoffID),
			zap.String("target", targetAgentID),
			zap.Float64("confidence", confidence),
			zap.Float64("threshold", cfg.ConfidenceThreshold),
		)
		return e.declined(handoffID, chainID, sourceAgentID, targetAgentID, task, depth, confidence,
			"target confidence below threshold", start), nil
	}

	e.publish(bus.EventHandoffInitiated, map[string]any{
		"handoff_id": handoffID,
		"chain_id":   chainID,
		"source":     sourceAgentID,
		"target":     targetAgentID,
		"task_id":    task.ID,
		"confidence": confidence,
		"depth":      depth,
	})

	if _, err := e.preserver.PreserveContext(ctx, handoffID, payload); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, e.failed(ctx, handoffID, chainID, sourceAgentID, targetAgentID, task, confidence, start, err, false)
	}

	params := map[string]any{
		"handoff_id": handoffID,
		"chain_id":   chainID,
		"task_id":    task.ID,
		"source":     sourceAgentID,
		"target":     targetAgentID,
	}

	var attempts int
	output, err := retrier.ExecuteWithRetry(ctx, OperationExecute, func(ctx context.Context) (any, error) {
		attempts++
		return e.adapter.ExecuteRegistered(ctx, OperationExecute, params)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, e.failed(ctx, handoffID, chainID, sourceAgentID, targetAgentID, task, confidence, start, err, true)
	}

	restored, err := e.preserver.RestoreContext(ctx, handoffID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, e.failed(ctx, handoffID, chainID, sourceAgentID, targetAgentID, task, confidence, start, err, true)
	}

	duration := time.Since(start)
	e.observeLatency(handoffID, duration, cfg)

	if attempts > 1 {
		e.publish(bus.EventHandoffRecovered, map[string]any{
			"handoff_id":  handoffID,
			"attempts":    attempts,
			"duration_ms": durationMs(duration),
		})
	}

	if e.collector != nil {
		e.collector.RecordHandoff("completed", duration)
	}
	e.record(&history.Record{
		HandoffID:   handoffID,
		ChainID:     chainID,
		SourceAgent: sourceAgentID,
		TargetAgent: targetAgentID,
		TaskID:      task.ID,
		Confidence:  confidence,
		Status:      "completed",
		DurationMs:  duration.Milliseconds(),
	})

	fields := []zap.Field{
		zap.String("handoff_id", handoffID),
		zap.String("target", targetAgentID),
		zap.Duration("duration", duration),
		zap.Int("attempts", attempts),
	}
	if cfg.EnableDetailedLogging {
		fields = append(fields,
			zap.String("chain_id", chainID),
			zap.String("source", sourceAgentID),
			zap.String("task_id", task.ID),
			zap.Int("depth", depth),
			zap.Float64("confidence", confidence),
		)
	}
	log.Info("handoff completed", fields...)

	return &Result{
		HandoffID:   handoffID,
		Accepted:    true,
		SourceAgent: sourceAgentID,
		TargetAgent: targetAgentID,
		TaskID:      task.ID,
		Confidence:  confidence,
		Depth:       depth,
		Output:      output,
		Context:     restored,
		Duration:    duration,
	}, nil
}

// evaluateTarget resolves the target agent and its confidence. An empty
// target defers agent selection to the router.
func (e *Engine) evaluateTarget(ctx context.Context, task *types.Task, targetAgentID string) (float64, string, error) {
	if targetAgentID == "" {
		routed, err := e.router.RouteTask(task)
		if err != nil {
			return 0, "", err
		}
		return routed.Confidence, routed.Agent.ID, nil
	}
	confidence, err := e.evaluator.Evaluate(ctx, task, targetAgentID)
	if err != nil {
		return 0, "", err
	}
	return confidence, targetAgentID, nil
}

// durationMs converts a duration to fractional milliseconds, the unit
// the fidelity tracker reads from event payloads.
func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// observeLatency warns past the soft target and charges a fidelity
// failure past the hard threshold, even on success.
func (e *Engine) observeLatency(handoffID string, duration time.Duration, cfg Config) {
	ms := durationMs(duration)
	if ms > float64(cfg.MaxLatencyThresholdMs) {
		e.log().Error("handoff exceeded maximum latency threshold",
			zap.String("handoff_id", handoffID),
			zap.Float64("duration_ms", ms),
			zap.Int("threshold_ms", cfg.MaxLatencyThresholdMs),
		)
		if e.tracker != nil {
			e.tracker.Record(fidelityCategory, false, ms)
		}
		return
	}
	if ms > float64(cfg.LatencyTargetMs) {
		e.log().Warn("handoff exceeded latency target",
			zap.String("handoff_id", handoffID),
			zap.Float64("duration_ms", ms),
			zap.Int("target_ms", cfg.LatencyTargetMs),
		)
	}
}

// declined builds a non-error declined result and records it.
func (e *Engine) declined(handoffID, chainID, source, target string, task *types.Task, depth int, confidence float64, reason string, start time.Time) *Result {
	duration := time.Since(start)
	if e.collector != nil {
		e.collector.RecordHandoff("declined", duration)
	}
	e.record(&history.Record{
		HandoffID:   handoffID,
		ChainID:     chainID,
		SourceAgent: source,
		TargetAgent: target,
		TaskID:      task.ID,
		Confidence:  confidence,
		Status:      "declined",
		DurationMs:  duration.Milliseconds(),
		Error:       reason,
	})
	return &Result{
		HandoffID:   handoffID,
		Accepted:    false,
		SourceAgent: source,
		TargetAgent: target,
		TaskID:      task.ID,
		Confidence:  confidence,
		Depth:       depth,
		Reason:      reason,
		Duration:    duration,
	}
}

// failed records a terminal handoff failure, rolling back preserved
// context when one was written.
func (e *Engine) failed(ctx context.Context, handoffID, chainID, source, target string, task *types.Task, confidence float64, start time.Time, cause error, rollback bool) error {
	duration := time.Since(start)

	if rollback {
		if rbErr := e.preserver.RollbackContext(ctx, handoffID); rbErr != nil {
			e.log().Warn("rollback after failed handoff",
				zap.String("handoff_id", handoffID),
				zap.Error(rbErr),
			)
		}
	}

	e.publish(bus.EventHandoffFailedPermanently, map[string]any{
		"handoff_id":  handoffID,
		"task_id":     task.ID,
		"error":       cause.Error(),
		"duration_ms": durationMs(duration),
	})
	if e.collector != nil {
		e.collector.RecordHandoff("failed", duration)
	}
	e.record(&history.Record{
		HandoffID:   handoffID,
		ChainID:     chainID,
		SourceAgent: source,
		TargetAgent: target,
		TaskID:      task.ID,
		Confidence:  confidence,
		Status:      "failed",
		DurationMs:  duration.Milliseconds(),
		Error:       cause.Error(),
	})

	fields := []zap.Field{
		zap.String("handoff_id", handoffID),
		zap.String("target", target),
		zap.Duration("duration", duration),
		zap.Error(cause),
	}
	if e.Config().EnableDetailedLogging {
		fields = append(fields,
			zap.String("chain_id", chainID),
			zap.String("source", source),
			zap.String("task_id", task.ID),
			zap.Float64("confidence", confidence),
		)
	}
	e.log().Error("handoff failed", fields...)
	return cause
}

func (e *Engine) record(rec *history.Record) {
	if e.history == nil {
		return
	}
	if err := e.history.Append(rec); err != nil {
		e.log().Warn("history append", zap.Error(err))
	}
}

func (e *Engine) publish(eventType bus.EventType, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(bus.NewMessage(eventType, data))
}
