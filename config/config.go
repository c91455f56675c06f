// Package config holds the application configuration for the dispatch
// core and a loader with defaults, YAML file, and environment variable
// precedence.
package config

import (
	"time"

	"github.com/nexusflow/dispatch/handoff"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	History   HistoryConfig   `yaml:"history" env:"HISTORY"`

	// Handoff is validated by the engine, and its HANDOFF_* environment
	// overlay is applied there rather than by the loader.
	Handoff handoff.Config `yaml:"handoff" env:"-"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPath defaults to stdout.
	OutputPath string `yaml:"output_path" env:"OUTPUT_PATH"`
}

// RedisConfig configures the redis-backed context store. When disabled,
// preserved contexts live in process memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
	// TTL bounds how long an unrestored context survives. Zero keeps
	// entries until restored or rolled back.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// HistoryConfig configures the sqlite handoff audit log.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Redis:     DefaultRedisConfig(),
		Telemetry: DefaultTelemetryConfig(),
		History:   DefaultHistoryConfig(),
		Handoff:   handoff.DefaultConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
	}
}

// DefaultRedisConfig returns the default redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  false,
		Addr:     "localhost:6379",
		DB:       0,
		PoolSize: 10,
		TTL:      time.Hour,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		ServiceName:  "dispatch",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
	}
}

// DefaultHistoryConfig returns the default history configuration.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Enabled: true,
		Path:    "dispatch_history.db",
	}
}
