package handoff

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nexusflow/dispatch/retry"
	"github.com/nexusflow/dispatch/types"
)

// Closed enum sets for the strategy fields.
var (
	loadBalancingStrategies = map[string]bool{
		"round-robin":  true,
		"least-loaded": true,
		"weighted":     true,
	}
	agentSelectionAlgorithms = map[string]bool{
		"expertise-based":  true,
		"capability-based": true,
		"hybrid":           true,
	}
	logLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
)

// Config is the handoff engine's configuration. Mutate it only through
// Engine.UpdateConfig so the invariants hold after every change.
type Config struct {
	ConfidenceThreshold         float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	MinimumConfidenceForHandoff float64 `yaml:"minimum_confidence_for_handoff" json:"minimum_confidence_for_handoff"`
	MaxHandoffDepth             int     `yaml:"max_handoff_depth" json:"max_handoff_depth"`
	MaxConcurrentHandoffs       int     `yaml:"max_concurrent_handoffs" json:"max_concurrent_handoffs"`
	LatencyTargetMs             int     `yaml:"latency_target_ms" json:"latency_target_ms"`
	MaxLatencyThresholdMs       int     `yaml:"max_latency_threshold_ms" json:"max_latency_threshold_ms"`
	LoadBalancingStrategy       string  `yaml:"load_balancing_strategy" json:"load_balancing_strategy"`
	AgentSelectionAlgorithm     string  `yaml:"agent_selection_algorithm" json:"agent_selection_algorithm"`
	LogLevel                    string  `yaml:"log_level" json:"log_level"`
	EnableDetailedLogging       bool    `yaml:"enable_detailed_logging" json:"enable_detailed_logging"`

	MaxRetries         int  `yaml:"max_retries" json:"max_retries"`
	RetryDelayMs       int  `yaml:"retry_delay_ms" json:"retry_delay_ms"`
	ExponentialBackoff bool `yaml:"exponential_backoff" json:"exponential_backoff"`
}

// DefaultConfig returns the startup configuration.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:         0.7,
		MinimumConfidenceForHandoff: 0.5,
		MaxHandoffDepth:             3,
		MaxConcurrentHandoffs:       5,
		LatencyTargetMs:             1000,
		MaxLatencyThresholdMs:       5000,
		LoadBalancingStrategy:       "least-loaded",
		AgentSelectionAlgorithm:     "expertise-based",
		LogLevel:                    "info",
		EnableDetailedLogging:       false,
		MaxRetries:                  3,
		RetryDelayMs:                1000,
		ExponentialBackoff:          true,
	}
}

// RetryConfig converts the retry fields for the retry controller.
func (c Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:         c.MaxRetries,
		RetryDelay:         time.Duration(c.RetryDelayMs) * time.Millisecond,
		ExponentialBackoff: c.ExponentialBackoff,
	}
}

// Validate returns every invariant violation in the configuration.
func (c Config) Validate() []string {
	var violations []string

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		violations = append(violations, fmt.Sprintf("confidence_threshold %v outside [0, 1]", c.ConfidenceThreshold))
	}
	if c.MinimumConfidenceForHandoff < 0 || c.MinimumConfidenceForHandoff > 1 {
		violations = append(violations, fmt.Sprintf("minimum_confidence_for_handoff %v outside [0, 1]", c.MinimumConfidenceForHandoff))
	}
	if c.ConfidenceThreshold < c.MinimumConfidenceForHandoff {
		violations = append(violations, fmt.Sprintf("confidence_threshold %v below minimum_confidence_for_handoff %v",
			c.ConfidenceThreshold, c.MinimumConfidenceForHandoff))
	}
	if c.MaxHandoffDepth < 0 {
		violations = append(violations, fmt.Sprintf("max_handoff_depth %d negative", c.MaxHandoffDepth))
	}
	if c.MaxConcurrentHandoffs < 1 {
		violations = append(violations, fmt.Sprintf("max_concurrent_handoffs %d below 1", c.MaxConcurrentHandoffs))
	}
	if c.LatencyTargetMs > c.MaxLatencyThresholdMs {
		violations = append(violations, fmt.Sprintf("latency_target_ms %d above max_latency_threshold_ms %d",
			c.LatencyTargetMs, c.MaxLatencyThresholdMs))
	}
	if !loadBalancingStrategies[c.LoadBalancingStrategy] {
		violations = append(violations, fmt.Sprintf("unknown load_balancing_strategy %q", c.LoadBalancingStrategy))
	}
	if !agentSelectionAlgorithms[c.AgentSelectionAlgorithm] {
		violations = append(violations, fmt.Sprintf("unknown agent_selection_algorithm %q", c.AgentSelectionAlgorithm))
	}
	if !logLevels[c.LogLevel] {
		violations = append(violations, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if c.MaxRetries < 0 {
		violations = append(violations, fmt.Sprintf("max_retries %d negative", c.MaxRetries))
	}
	if c.RetryDelayMs <= 0 {
		violations = append(violations, fmt.Sprintf("retry_delay_ms %d not positive", c.RetryDelayMs))
	}

	return violations
}

// Patch is a partial configuration update; nil fields leave the current
// value unchanged.
type Patch struct {
	ConfidenceThreshold         *float64
	MinimumConfidenceForHandoff *float64
	MaxHandoffDepth             *int
	MaxConcurrentHandoffs       *int
	LatencyTargetMs             *int
	MaxLatencyThresholdMs       *int
	LoadBalancingStrategy       *string
	AgentSelectionAlgorithm     *string
	LogLevel                    *string
	EnableDetailedLogging       *bool
	MaxRetries                  *int
	RetryDelayMs                *int
	ExponentialBackoff          *bool
}

// apply returns a copy of c with the patch's non-nil fields set.
func (p Patch) apply(c Config) Config {
	if p.ConfidenceThreshold != nil {
		c.ConfidenceThreshold = *p.ConfidenceThreshold
	}
	if p.MinimumConfidenceForHandoff != nil {
		c.MinimumConfidenceForHandoff = *p.MinimumConfidenceForHandoff
	}
	if p.MaxHandoffDepth != nil {
		c.MaxHandoffDepth = *p.MaxHandoffDepth
	}
	if p.MaxConcurrentHandoffs != nil {
		c.MaxConcurrentHandoffs = *p.MaxConcurrentHandoffs
	}
	if p.LatencyTargetMs != nil {
		c.LatencyTargetMs = *p.LatencyTargetMs
	}
	if p.MaxLatencyThresholdMs != nil {
		c.MaxLatencyThresholdMs = *p.MaxLatencyThresholdMs
	}
	if p.LoadBalancingStrategy != nil {
		c.LoadBalancingStrategy = *p.LoadBalancingStrategy
	}
	if p.AgentSelectionAlgorithm != nil {
		c.AgentSelectionAlgorithm = *p.AgentSelectionAlgorithm
	}
	if p.LogLevel != nil {
		c.LogLevel = *p.LogLevel
	}
	if p.EnableDetailedLogging != nil {
		c.EnableDetailedLogging = *p.EnableDetailedLogging
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelayMs != nil {
		c.RetryDelayMs = *p.RetryDelayMs
	}
	if p.ExponentialBackoff != nil {
		c.ExponentialBackoff = *p.ExponentialBackoff
	}
	return c
}

// Presets shipped with the engine.
const (
	PresetDevelopment     = "development"
	PresetProduction      = "production"
	PresetHighPerformance = "highPerformance"
)

// presets differ in concurrency, logging verbosity, and confidence
// strictness.
var presets = map[string]Config{
	PresetDevelopment: {
		ConfidenceThreshold:         0.5,
		MinimumConfidenceForHandoff: 0.3,
		MaxHandoffDepth:             5,
		MaxConcurrentHandoffs:       2,
		LatencyTargetMs:             2000,
		MaxLatencyThresholdMs:       10000,
		LoadBalancingStrategy:       "round-robin",
		AgentSelectionAlgorithm:     "expertise-based",
		LogLevel:                    "debug",
		EnableDetailedLogging:       true,
		MaxRetries:                  3,
		RetryDelayMs:                500,
		ExponentialBackoff:          true,
	},
	PresetProduction: {
		ConfidenceThreshold:         0.75,
		MinimumConfidenceForHandoff: 0.5,
		MaxHandoffDepth:             3,
		MaxConcurrentHandoffs:       10,
		LatencyTargetMs:             1000,
		MaxLatencyThresholdMs:       5000,
		LoadBalancingStrategy:       "least-loaded",
		AgentSelectionAlgorithm:     "hybrid",
		LogLevel:                    "info",
		EnableDetailedLogging:       false,
		MaxRetries:                  3,
		RetryDelayMs:                1000,
		ExponentialBackoff:          true,
	},
	PresetHighPerformance: {
		ConfidenceThreshold:         0.85,
		MinimumConfidenceForHandoff: 0.6,
		MaxHandoffDepth:             2,
		MaxConcurrentHandoffs:       50,
		LatencyTargetMs:             500,
		MaxLatencyThresholdMs:       2000,
		LoadBalancingStrategy:       "weighted",
		AgentSelectionAlgorithm:     "hybrid",
		LogLevel:                    "warn",
		EnableDetailedLogging:       false,
		MaxRetries:                  2,
		RetryDelayMs:                500,
		ExponentialBackoff:          true,
	},
}

// Preset returns a shipped preset by name.
func Preset(name string) (Config, error) {
	cfg, ok := presets[name]
	if !ok {
		return Config{}, types.NewError(types.ErrPresetNotFound, fmt.Sprintf("unknown configuration preset %q", name))
	}
	return cfg, nil
}

// envPrefix is the prefix of recognized environment variables, e.g.
// HANDOFF_CONFIDENCE_THRESHOLD or HANDOFF_MAX_HANDOFF_DEPTH.
const envPrefix = "HANDOFF_"

// fromEnvironment overlays recognized HANDOFF_* variables onto c.
// Unparsable values are ignored, and any single field whose new value
// would violate an invariant is discarded in favor of the current one.
// This never fails.
func fromEnvironment(c Config) Config {
	setFloat := func(name string, set func(*Config, float64)) {
		raw, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			return
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return
		}
		candidate := c
		set(&candidate, v)
		if len(candidate.Validate()) == 0 {
			c = candidate
		}
	}
	setInt := func(name string, set func(*Config, int)) {
		raw, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			return
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return
		}
		candidate := c
		set(&candidate, v)
		if len(candidate.Validate()) == 0 {
			c = candidate
		}
	}
	setString := func(name string, set func(*Config, string)) {
		raw, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			return
		}
		candidate := c
		set(&candidate, strings.TrimSpace(raw))
		if len(candidate.Validate()) == 0 {
			c = candidate
		}
	}
	setBool := func(name string, set func(*Config, bool)) {
		raw, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			return
		}
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return
		}
		candidate := c
		set(&candidate, v)
		if len(candidate.Validate()) == 0 {
			c = candidate
		}
	}

	setFloat("CONFIDENCE_THRESHOLD", func(c *Config, v float64) { c.ConfidenceThreshold = v })
	setFloat("MINIMUM_CONFIDENCE_FOR_HANDOFF", func(c *Config, v float64) { c.MinimumConfidenceForHandoff = v })
	setInt("MAX_HANDOFF_DEPTH", func(c *Config, v int) { c.MaxHandoffDepth = v })
	setInt("MAX_CONCURRENT_HANDOFFS", func(c *Config, v int) { c.MaxConcurrentHandoffs = v })
	setInt("LATENCY_TARGET_MS", func(c *Config, v int) { c.LatencyTargetMs = v })
	setInt("MAX_LATENCY_THRESHOLD_MS", func(c *Config, v int) { c.MaxLatencyThresholdMs = v })
	setString("LOAD_BALANCING_STRATEGY", func(c *Config, v string) { c.LoadBalancingStrategy = v })
	setString("AGENT_SELECTION_ALGORITHM", func(c *Config, v string) { c.AgentSelectionAlgorithm = v })
	setString("LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v })
	setBool("ENABLE_DETAILED_LOGGING", func(c *Config, v bool) { c.EnableDetailedLogging = v })
	setInt("MAX_RETRIES", func(c *Config, v int) { c.MaxRetries = v })
	setInt("RETRY_DELAY_MS", func(c *Config, v int) { c.RetryDelayMs = v })
	setBool("EXPONENTIAL_BACKOFF", func(c *Config, v bool) { c.ExponentialBackoff = v })

	return c
}

// HealthReport is the result of re-validating a live configuration.
type HealthReport struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}
