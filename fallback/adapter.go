// Package fallback executes operations against a primary provider and
// falls back to a secondary provider on unavailability or failure.
// Availability probes are cached, deduplicated, and rate-limited, and a
// per-provider circuit breaker keeps repeatedly failing backends out of
// the hot path.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/bus"
	"github.com/nexusflow/dispatch/internal/metrics"
	"github.com/nexusflow/dispatch/types"
)

// Config tunes the adapter.
type Config struct {
	ProbeCacheTTL time.Duration `yaml:"probe_cache_ttl" json:"probe_cache_ttl"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	Breaker       BreakerConfig `yaml:"-" json:"-"`
}

// DefaultConfig returns the default adapter tuning.
func DefaultConfig() Config {
	return Config{
		ProbeCacheTTL: 5 * time.Second,
		ProbeInterval: time.Second,
		Breaker:       DefaultBreakerConfig(),
	}
}

// DegradedResult is the reduced-functionality outcome returned by the
// graceful-degradation variants instead of a hard failure.
type DegradedResult struct {
	Degraded bool   `json:"degraded"`
	Output   any    `json:"output"`
	Reason   string `json:"reason,omitempty"`
}

// Adapter routes operations to providers with fallback.
type Adapter struct {
	config    Config
	logger    *zap.Logger
	events    bus.Bus
	prober    *prober
	collector *metrics.Collector

	mu       sync.RWMutex
	registry map[string][]types.Provider
	breakers map[string]*breaker
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCollector attaches a prometheus collector counting fallback
// activations per operation and outcome.
func WithCollector(c *metrics.Collector) Option {
	return func(a *Adapter) { a.collector = c }
}

// NewAdapter creates an Adapter. events may be nil.
func NewAdapter(config Config, logger *zap.Logger, events bus.Bus, opts ...Option) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		config:   config,
		logger:   logger.With(zap.String("component", "fallback_adapter")),
		events:   events,
		prober:   newProber(config.ProbeCacheTTL, config.ProbeInterval),
		registry: make(map[string][]types.Provider),
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterProvider adds a provider to the registry for an operation.
// Registration order defines the fallback chain.
func (a *Adapter) RegisterProvider(operation string, provider types.Provider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry[operation] = append(a.registry[operation], provider)
	a.logger.Info("provider registered",
		zap.String("operation", operation),
		zap.String("provider", provider.Name()),
	)
}

// Execute runs the operation against the primary provider, falling back to
// the secondary on unavailability or failure. It fails only when both
// providers fail, with both error messages aggregated.
func (a *Adapter) Execute(ctx context.Context, operation string, primary, secondary types.Provider, params map[string]any) (any, error) {
	start := time.Now()

	result, primaryErr := a.tryProvider(ctx, operation, primary, params)
	if primaryErr == nil {
		return result, nil
	}

	if secondary == nil {
		return nil, types.NewError(types.ErrNoFallbackProvider,
			fmt.Sprintf("no suitable fallback provider found for operation %q", operation)).WithCause(primaryErr)
	}

	a.publish(bus.EventHandoffFallbackInitiated, map[string]any{
		"operation": operation,
		"primary":   primary.Name(),
		"secondary": secondary.Name(),
		"error":     primaryErr.Error(),
	})
	a.logger.Warn("primary provider failed, falling back",
		zap.String("operation", operation),
		zap.String("primary", primary.Name()),
		zap.String("secondary", secondary.Name()),
		zap.Error(primaryErr),
	)

	result, secondaryErr := a.tryProvider(ctx, operation, secondary, params)
	if secondaryErr == nil {
		if a.collector != nil {
			a.collector.RecordFallback(operation, "succeeded")
		}
		a.publish(bus.EventHandoffFallbackSucceeded, map[string]any{
			"operation":   operation,
			"provider":    secondary.Name(),
			"duration_ms": durationMs(time.Since(start)),
		})
		return result, nil
	}

	if a.collector != nil {
		a.collector.RecordFallback(operation, "failed")
	}
	a.publish(bus.EventHandoffFallbackFailed, map[string]any{
		"operation":   operation,
		"primary":     primary.Name(),
		"secondary":   secondary.Name(),
		"duration_ms": durationMs(time.Since(start)),
	})
	return nil, fmt.Errorf("all providers failed for operation %q: primary %s: %v; fallback %s: %v",
		operation, primary.Name(), primaryErr, secondary.Name(), secondaryErr)
}

// ExecuteRegistered runs an operation against its registered provider
// chain: the first provider is the primary, the second the fallback.
func (a *Adapter) ExecuteRegistered(ctx context.Context, operation string, params map[string]any) (any, error) {
	primary, secondary, err := a.chain(operation)
	if err != nil {
		return nil, err
	}
	if secondary == nil {
		return a.tryProvider(ctx, operation, primary, params)
	}
	return a.Execute(ctx, operation, primary, secondary, params)
}

// ExecuteToolWithDegradation runs a tool through the registered chain for
// the tool-execution category, returning a degraded result instead of an
// error when no provider can serve it.
func (a *Adapter) ExecuteToolWithDegradation(ctx context.Context, tool string, params map[string]any) *DegradedResult {
	result, err := a.ExecuteRegistered(ctx, "tool.execution", params)
	if err == nil {
		return &DegradedResult{Output: result}
	}
	a.logger.Warn("tool execution degraded",
		zap.String("tool", tool),
		zap.Error(err),
	)
	return &DegradedResult{
		Degraded: true,
		Output:   fmt.Sprintf("tool %q unavailable, returning cached or partial output", tool),
		Reason:   err.Error(),
	}
}

// SwitchModeWithDegradation attempts a mode switch through the registered
// chain, keeping the current mode in a degraded result on total failure.
func (a *Adapter) SwitchModeWithDegradation(ctx context.Context, currentMode, targetMode string) *DegradedResult {
	result, err := a.ExecuteRegistered(ctx, "mode.switching", map[string]any{
		"from": currentMode,
		"to":   targetMode,
	})
	if err == nil {
		return &DegradedResult{Output: result}
	}
	a.logger.Warn("mode switch degraded, keeping current mode",
		zap.String("from", currentMode),
		zap.String("to", targetMode),
		zap.Error(err),
	)
	return &DegradedResult{
		Degraded: true,
		Output:   currentMode,
		Reason:   err.Error(),
	}
}

// BreakerState exposes a provider's breaker state for observability.
func (a *Adapter) BreakerState(providerName string) State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if b, ok := a.breakers[providerName]; ok {
		return b.State()
	}
	return StateClosed
}

// tryProvider probes and invokes a single provider, tracking its breaker.
func (a *Adapter) tryProvider(ctx context.Context, operation string, provider types.Provider, params map[string]any) (any, error) {
	if provider == nil {
		return nil, types.NewError(types.ErrNoFallbackProvider,
			fmt.Sprintf("no suitable fallback provider found for operation %q", operation))
	}

	b := a.breakerFor(provider.Name())
	if !b.Allow() {
		return nil, types.NewError(types.ErrProviderUnavailable,
			fmt.Sprintf("provider %s circuit open", provider.Name())).WithProvider(provider.Name()).WithRetryable(true)
	}

	if !a.prober.Available(ctx, provider) {
		b.RecordFailure()
		return nil, types.NewError(types.ErrProviderUnavailable,
			fmt.Sprintf("provider %s unavailable", provider.Name())).WithProvider(provider.Name()).WithRetryable(true)
	}

	result, err := provider.Invoke(ctx, params)
	if err != nil {
		b.RecordFailure()
		a.prober.Invalidate(provider.Name())
		return nil, fmt.Errorf("provider %s: %w", provider.Name(), err)
	}
	b.RecordSuccess()
	return result, nil
}

func (a *Adapter) breakerFor(name string) *breaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.breakers[name]
	if !ok {
		b = newBreaker(a.config.Breaker)
		a.breakers[name] = b
	}
	return b
}

// chain returns the primary and optional secondary provider registered for
// an operation.
func (a *Adapter) chain(operation string) (types.Provider, types.Provider, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	providers := a.registry[operation]
	if len(providers) == 0 {
		return nil, nil, types.NewError(types.ErrNoFallbackProvider,
			fmt.Sprintf("no suitable fallback provider found for operation %q", operation))
	}
	if len(providers) == 1 {
		return providers[0], nil, nil
	}
	return providers[0], providers[1], nil
}

// durationMs converts a duration to fractional milliseconds for event
// payloads read by the fidelity tracker.
func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (a *Adapter) publish(eventType bus.EventType, data map[string]any) {
	if a.events == nil {
		return
	}
	a.events.Publish(bus.NewMessage(eventType, data))
}
