// Package retry wraps asynchronous operations with bounded
// exponential-backoff-with-jitter retries.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/bus"
	"github.com/nexusflow/dispatch/types"
)

// delayCeiling caps the computed backoff delay.
const delayCeiling = 30 * time.Second

// Config defines the retry budget for an operation.
type Config struct {
	// MaxRetries is the number of retries past the first attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryDelay is the base backoff delay.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// ExponentialBackoff doubles the delay per attempt when true;
	// otherwise every wait uses the base delay.
	ExponentialBackoff bool `yaml:"exponential_backoff" json:"exponential_backoff"`
}

// DefaultConfig returns the default retry budget.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		ExponentialBackoff: true,
	}
}

// Controller executes operations under a retry budget. Intermediate
// failures are logged and published, never surfaced; only the terminal
// failure reaches the caller, wrapped as a PermanentFailureError.
type Controller struct {
	config Config
	logger *zap.Logger
	events bus.Bus
}

// NewController creates a Controller. events may be nil.
func NewController(config Config, logger *zap.Logger, events bus.Bus) *Controller {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{config: config, logger: logger.With(zap.String("component", "retry_controller")), events: events}
}

// Config returns the controller's retry budget.
func (c *Controller) Config() Config {
	return c.config
}

// ExecuteWithRetry runs op, retrying MaxRetries times past the first
// attempt. The wait before attempt n is base·2^(n−1) plus up to 50%
// jitter, capped at 30s; waits select on ctx so cancellation interrupts
// the backoff timer.
func (c *Controller) ExecuteWithRetry(ctx context.Context, operation string, op func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxRetries+1; attempt++ {
		if attempt > 1 {
			delay := c.delayFor(attempt - 1)
			c.logger.Debug("retrying operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			c.publish(bus.EventToolRetry, map[string]any{
				"operation": operation,
				"attempt":   attempt,
				"error":     lastErr.Error(),
			})

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("operation recovered",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
				)
				c.publish(bus.EventToolRecovered, map[string]any{
					"operation": operation,
					"attempt":   attempt,
				})
			}
			return result, nil
		}
		lastErr = err
	}

	attempts := c.config.MaxRetries + 1
	c.logger.Warn("retry budget exhausted",
		zap.String("operation", operation),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	c.publish(bus.EventToolFailedPermanently, map[string]any{
		"operation": operation,
		"attempts":  attempts,
		"error":     lastErr.Error(),
	})
	return nil, types.NewPermanentFailureError(attempts, lastErr)
}

// delayFor computes the wait before the given retry (1-based).
func (c *Controller) delayFor(retry int) time.Duration {
	delay := float64(c.config.RetryDelay)
	if c.config.ExponentialBackoff {
		delay *= math.Pow(2, float64(retry-1))
	}
	if delay > float64(delayCeiling) {
		delay = float64(delayCeiling)
	}
	// Up to +50% jitter so synchronized clients do not retry in lockstep.
	delay += delay * 0.5 * rand.Float64()
	if delay > float64(delayCeiling) {
		delay = float64(delayCeiling)
	}
	return time.Duration(delay)
}

func (c *Controller) publish(eventType bus.EventType, data map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Publish(bus.NewMessage(eventType, data))
}

// DoTyped is a type-safe wrapper around ExecuteWithRetry that eliminates
// the type assertion on the result.
func DoTyped[T any](c *Controller, ctx context.Context, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	result, err := c.ExecuteWithRetry(ctx, operation, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
