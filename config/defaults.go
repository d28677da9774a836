package config

import (
	"time"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/engine"
	"github.com/baton-ai/baton/pipeline"
	"github.com/baton-ai/baton/selector"
	"github.com/baton-ai/baton/trace"
)

// DefaultConfig returns the default configuration: standalone single-node
// operation with an in-memory registry and trace store, archiving disabled.
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Registry:     DefaultRegistryConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Trace:        DefaultTraceConfig(),
		Archive:      trace.DefaultArchiveConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    3 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultRegistryConfig returns the default registry settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Backend:  "memory",
		Timeout:  10 * time.Second,
		CacheTTL: 5 * time.Second,
	}
}

// DefaultOrchestratorConfig returns the default per-stage tunables.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Pipeline: pipeline.DefaultConfig(),
		Engine:   engine.DefaultConfig(),
		Analyzer: analyzer.DefaultConfig(),
		Selector: selector.DefaultConfig(),
	}
}

// DefaultTraceConfig returns the default trace store settings.
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{
		Store:  "memory",
		Memory: trace.MemoryStoreConfig{MaxSessions: 1000},
		Redis:  trace.DefaultRedisStoreConfig(),
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "baton",
		SampleRate:   0.1,
	}
}
