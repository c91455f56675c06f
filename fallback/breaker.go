package fallback

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits trial calls to probe recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int
	// ResetTimeout is the Open -> HalfOpen recovery wait.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls bounds trial calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:        5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// breaker is a minimal circuit breaker tracking consecutive failures for
// one provider. The adapter treats an open breaker as unavailable.
type breaker struct {
	config BreakerConfig

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

func newBreaker(config BreakerConfig) *breaker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	return &breaker{config: config, state: StateClosed}
}

// Allow reports whether a call may proceed, transitioning Open -> HalfOpen
// once the reset timeout has elapsed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
			b.state = StateHalfOpen
			b.halfOpenCallCount = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenCallCount < b.config.HalfOpenMaxCalls {
			b.halfOpenCallCount++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// immediately when half-open.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	if b.state == StateHalfOpen || b.failureCount >= b.config.Threshold {
		b.state = StateOpen
	}
}

// State returns the breaker's current state.
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
