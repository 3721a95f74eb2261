// Package config holds the buildloop configuration model and its validation.
package config

import (
	"fmt"
	"os"
	"time"
)

// Provider constants.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// API key environment variable names, consulted when model.api_key is empty.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Sandbox modes.
const (
	SandboxAuto   = "auto"
	SandboxDocker = "docker"
	SandboxLocal  = "local"
)

// Config is the effective configuration after defaults, file and environment are merged.
type Config struct {
	Model          ModelConfig     `koanf:"model" yaml:"model"`
	Limits         LimitsConfig    `koanf:"limits" yaml:"limits"`
	TestEverything bool            `koanf:"test_everything" yaml:"test_everything"`
	Sandbox        SandboxConfig   `koanf:"sandbox" yaml:"sandbox"`
	Store          StoreConfig     `koanf:"store" yaml:"store"`
	Workspace      WorkspaceConfig `koanf:"workspace" yaml:"workspace"`
	Events         EventsConfig    `koanf:"events" yaml:"events"`
	Metrics        MetricsConfig   `koanf:"metrics" yaml:"metrics"`
	Log            LogConfig       `koanf:"log" yaml:"log"`
}

// ModelConfig selects the provider and tunes the actor transport.
type ModelConfig struct {
	Provider       string          `koanf:"provider" yaml:"provider"`
	Endpoint       string          `koanf:"endpoint" yaml:"endpoint"`
	Name           string          `koanf:"name" yaml:"name"`
	APIKey         string          `koanf:"api_key" yaml:"api_key"`
	RequestTimeout time.Duration   `koanf:"request_timeout" yaml:"request_timeout"`
	MaxTokens      int             `koanf:"max_tokens" yaml:"max_tokens"`
	RateLimit      RateLimitConfig `koanf:"rate_limit" yaml:"rate_limit"`
	Retry          RetryConfig     `koanf:"retry" yaml:"retry"`
	Circuit        CircuitConfig   `koanf:"circuit" yaml:"circuit"`
}

// RateLimitConfig spaces model requests; zero requests per second disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `koanf:"burst" yaml:"burst"`
}

// RetryConfig controls transport retries.
type RetryConfig struct {
	MaxAttempts   int           `koanf:"max_attempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `koanf:"initial_delay" yaml:"initial_delay"`
	MaxDelay      time.Duration `koanf:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `koanf:"backoff_factor" yaml:"backoff_factor"`
}

// CircuitConfig controls the circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" yaml:"failure_threshold"`
	Timeout          time.Duration `koanf:"timeout" yaml:"timeout"`
}

// LimitsConfig holds the hard caps of the build loop.
type LimitsConfig struct {
	MaxIterations       int `koanf:"max_iterations" yaml:"max_iterations"`
	MaxDebugCycles      int `koanf:"max_debug_cycles" yaml:"max_debug_cycles"`
	ConfidenceThreshold int `koanf:"confidence_threshold" yaml:"confidence_threshold"`
	SchemaRetries       int `koanf:"schema_retries" yaml:"schema_retries"`
	DebugContextTokens  int `koanf:"debug_context_tokens" yaml:"debug_context_tokens"`
}

// SandboxConfig controls how project tests are executed.
type SandboxConfig struct {
	Mode        string        `koanf:"mode" yaml:"mode"`
	Image       string        `koanf:"image" yaml:"image"`
	Timeout     time.Duration `koanf:"timeout" yaml:"timeout"`
	CPUs        string        `koanf:"cpus" yaml:"cpus"`
	Memory      string        `koanf:"memory" yaml:"memory"`
	PIDs        int           `koanf:"pids" yaml:"pids"`
	TestCommand string        `koanf:"test_command" yaml:"test_command"`
}

// StoreConfig selects the run state backend.
type StoreConfig struct {
	Backend string `koanf:"backend" yaml:"backend"`
	Dir     string `koanf:"dir" yaml:"dir"`
}

// WorkspaceConfig locates generated projects.
type WorkspaceConfig struct {
	Root string `koanf:"root" yaml:"root"`
}

// EventsConfig locates the JSONL event log.
type EventsConfig struct {
	Dir string `koanf:"dir" yaml:"dir"`
}

// MetricsConfig names the Prometheus textfile written at exit; empty disables it.
type MetricsConfig struct {
	File string `koanf:"file" yaml:"file"`
}

// LogConfig controls the logger backend.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case ProviderOllama, ProviderAnthropic, ProviderOpenAI, ProviderGoogle:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name cannot be empty")
	}
	if c.Model.RequestTimeout < 0 {
		return fmt.Errorf("model.request_timeout must not be negative")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("model.max_tokens must be positive, got %d", c.Model.MaxTokens)
	}
	if c.Model.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("model.retry.max_attempts must be positive, got %d", c.Model.Retry.MaxAttempts)
	}
	if c.Model.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("model.rate_limit.requests_per_second must not be negative")
	}

	if c.Limits.MaxIterations <= 0 {
		return fmt.Errorf("limits.max_iterations must be positive, got %d", c.Limits.MaxIterations)
	}
	if c.Limits.MaxDebugCycles <= 0 {
		return fmt.Errorf("limits.max_debug_cycles must be positive, got %d", c.Limits.MaxDebugCycles)
	}
	if c.Limits.ConfidenceThreshold < 0 || c.Limits.ConfidenceThreshold > 100 {
		return fmt.Errorf("limits.confidence_threshold must be within 0..100, got %d", c.Limits.ConfidenceThreshold)
	}
	if c.Limits.SchemaRetries <= 0 {
		return fmt.Errorf("limits.schema_retries must be positive, got %d", c.Limits.SchemaRetries)
	}
	if c.Limits.DebugContextTokens <= 0 {
		return fmt.Errorf("limits.debug_context_tokens must be positive, got %d", c.Limits.DebugContextTokens)
	}

	switch c.Sandbox.Mode {
	case SandboxAuto, SandboxDocker, SandboxLocal:
	default:
		return fmt.Errorf("unknown sandbox.mode %q", c.Sandbox.Mode)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}

	switch c.Store.Backend {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Dir == "" || c.Workspace.Root == "" {
		return fmt.Errorf("store.dir and workspace.root are required")
	}

	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// ResolveAPIKey returns model.api_key or, when empty, the provider's
// conventional environment variable. Ollama needs no key.
func (c *Config) ResolveAPIKey() (string, error) {
	if c.Model.APIKey != "" {
		return c.Model.APIKey, nil
	}

	var envVar string
	switch c.Model.Provider {
	case ProviderOllama:
		return "", nil
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	default:
		return "", fmt.Errorf("unknown provider: %s", c.Model.Provider)
	}

	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: set model.api_key or %s", envVar)
}
