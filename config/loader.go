// Package config loads the orchestrator configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("BATON").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/engine"
	"github.com/baton-ai/baton/pipeline"
	"github.com/baton-ai/baton/selector"
	"github.com/baton-ai/baton/trace"
)

// Config is the complete orchestrator configuration.
type Config struct {
	// Server holds the HTTP server settings.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log holds the logging settings.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Registry selects and configures the agent registry backend.
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Orchestrator holds the per-stage orchestration tunables.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Trace selects and configures the trace store backend.
	Trace TraceConfig `yaml:"trace" env:"TRACE"`

	// Archive configures the SQL trace archive.
	Archive trace.ArchiveConfig `yaml:"archive" env:"ARCHIVE"`

	// Auth configures JWT authentication for the API.
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Telemetry configures the OpenTelemetry SDK.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// HTTPPort is the port the orchestration API listens on.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// MetricsPort is the port the Prometheus endpoint listens on.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// ReadTimeout bounds reading the request including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout bounds writing the response. Sessions run up to the
	// orchestrator default timeout, so this must exceed it.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimitRPS is the per-client request rate limit.
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// RateLimitBurst is the per-client burst allowance.
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORSAllowedOrigins lists origins allowed for cross-origin requests.
	// Empty means cross-origin requests are rejected.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap output sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// RegistryConfig selects the agent registry backend.
type RegistryConfig struct {
	// Backend is "memory" (standalone, agents registered over the API) or
	// "http" (external registry service).
	Backend string `yaml:"backend" env:"BACKEND"`
	// Endpoint is the base URL of the external registry service.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// Timeout bounds registry requests.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// CacheTTL is how long agent listings are served from cache.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// OrchestratorConfig aggregates the per-stage tunables.
type OrchestratorConfig struct {
	Pipeline pipeline.Config `yaml:"pipeline" env:"PIPELINE"`
	Engine   engine.Config   `yaml:"engine" env:"ENGINE"`
	Analyzer analyzer.Config `yaml:"analyzer" env:"ANALYZER"`
	Selector selector.Config `yaml:"selector" env:"SELECTOR"`
}

// TraceConfig selects the trace store backend.
type TraceConfig struct {
	// Store is "memory" or "redis".
	Store string `yaml:"store" env:"STORE"`
	// Memory configures the in-memory store.
	Memory trace.MemoryStoreConfig `yaml:"memory" env:"MEMORY"`
	// Redis configures the Redis-backed store.
	Redis trace.RedisStoreConfig `yaml:"redis" env:"REDIS"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Enabled turns JWT bearer authentication on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Secret is the HS256 signing secret.
	Secret string `yaml:"secret" env:"SECRET"`
	// PublicKey is a PEM-encoded RSA public key for RS256 verification.
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	// Issuer, when set, is required in token claims.
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// Audience, when set, is required in token claims.
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// TelemetryConfig configures the OpenTelemetry SDK.
type TelemetryConfig struct {
	// Enabled turns OTLP export on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// ServiceName is the reported service name.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// SampleRate is the trace sampling ratio (0-1).
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the BATON env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "BATON"}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation function run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration. Precedence: defaults, then YAML file,
// then environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// setFieldsFromEnv recursively overrides struct fields from environment
// variables. The key for a field is the parent prefix plus the field's env
// tag; fields without an env tag derive the key from their yaml tag, so
// nested package configs are overridable without carrying env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		key := envKey(fieldType)
		if key == "" {
			continue
		}
		envName := prefix + "_" + key

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envName); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envName)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envName, err)
		}
	}
	return nil
}

func envKey(f reflect.StructField) string {
	if tag := f.Tag.Get("env"); tag != "" {
		if tag == "-" {
			return ""
		}
		return tag
	}
	yamlTag := f.Tag.Get("yaml")
	if yamlTag == "" || yamlTag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(yamlTag, ",")
	return strings.ToUpper(name)
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout < c.Orchestrator.Pipeline.DefaultTimeout {
		errs = append(errs, "server write_timeout must exceed orchestrator default_timeout")
	}
	switch c.Registry.Backend {
	case "memory":
	case "http":
		if c.Registry.Endpoint == "" {
			errs = append(errs, "registry endpoint required for http backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown registry backend %q", c.Registry.Backend))
	}
	switch c.Trace.Store {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown trace store %q", c.Trace.Store))
	}
	if c.Auth.Enabled && c.Auth.Secret == "" && c.Auth.PublicKey == "" {
		errs = append(errs, "auth enabled but neither secret nor public_key set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
