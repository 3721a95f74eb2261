package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment overrides; "__" separates nested keys,
	// so BUILDLOOP_MODEL__REQUEST_TIMEOUT sets model.request_timeout.
	EnvPrefix = "BUILDLOOP_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// defaultsYAML is the lowest-precedence layer.
const defaultsYAML = `
model:
  provider: ollama
  endpoint: http://localhost:11434
  name: qwen3-coder:30b
  api_key: ""
  request_timeout: 10m
  max_tokens: 8192
  rate_limit:
    requests_per_second: 0
    burst: 1
  retry:
    max_attempts: 3
    initial_delay: 1s
    max_delay: 30s
    backoff_factor: 2
  circuit:
    failure_threshold: 5
    timeout: 30s
limits:
  max_iterations: 1000
  max_debug_cycles: 50
  confidence_threshold: 90
  schema_retries: 3
  debug_context_tokens: 6000
test_everything: true
sandbox:
  mode: auto
  image: python:3.11-slim
  timeout: 5m
  cpus: "2"
  memory: 2g
  pids: 256
  test_command: ""
store:
  backend: file
  dir: .buildloop/runs
workspace:
  root: .buildloop/projects
events:
  dir: .buildloop/events
metrics:
  file: ""
log:
  level: info
  format: auto
`

// Loaded is a validated configuration together with the merged key space it came from.
type Loaded struct {
	Config
	k *koanf.Koanf
}

// Load merges, lowest to highest precedence:
//  1. built-in defaults
//  2. OLLAMA_HOST, as model.endpoint
//  3. the YAML file at path (skipped when path is empty), with ${VAR} references expanded
//  4. BUILDLOOP_* environment variables
//
// The result is validated before it is returned.
func Load(path string) (*Loaded, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultsYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if host := os.Getenv(EnvOllamaHost); host != "" {
		if err := k.Set("model.endpoint", normalizeHost(host)); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", EnvOllamaHost, err)
		}
	}

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider([]byte(os.ExpandEnv(string(content)))), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &Loaded{Config: cfg, k: k}, nil
}

// envKey maps BUILDLOOP_MODEL__REQUEST_TIMEOUT to model.request_timeout.
func envKey(s string) string {
	trimmed := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(trimmed, "__", ".")
}

func normalizeHost(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "http://" + host
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// Effective returns the merged key space as a nested map with secrets redacted,
// suitable for printing.
func (l *Loaded) Effective() map[string]any {
	raw := l.k.Raw()
	if model, ok := raw["model"].(map[string]any); ok {
		if key, _ := model["api_key"].(string); key != "" {
			model["api_key"] = "[REDACTED]"
		}
	}
	return raw
}
