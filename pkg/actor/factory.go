package actor

import (
	"fmt"

	"buildloop/pkg/actor/internal/llmimpl/anthropic"
	"buildloop/pkg/actor/internal/llmimpl/google"
	"buildloop/pkg/actor/internal/llmimpl/ollama"
	"buildloop/pkg/actor/internal/llmimpl/openai"
	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/middleware/metrics"
	"buildloop/pkg/actor/middleware/resilience/circuit"
	"buildloop/pkg/actor/middleware/resilience/ratelimit"
	"buildloop/pkg/actor/middleware/resilience/retry"
	"buildloop/pkg/actor/middleware/resilience/timeout"
	"buildloop/pkg/config"
	"buildloop/pkg/logx"
)

// Recorder is the metrics sink the client chain reports into.
type Recorder interface {
	metrics.Recorder
	ratelimit.ThrottleRecorder
}

// NewClient builds the provider client named by cfg and wraps it in the
// resilience chain. recorder may be nil.
func NewClient(cfg *config.ModelConfig, apiKey string, recorder Recorder, logger *logx.Logger) (llm.LLMClient, error) {
	var raw llm.LLMClient
	switch cfg.Provider {
	case config.ProviderOllama:
		raw = ollama.NewClient(cfg.Endpoint, cfg.Name)
	case config.ProviderAnthropic:
		raw = anthropic.NewClaudeClient(apiKey, cfg.Name, cfg.Endpoint)
	case config.ProviderOpenAI:
		raw = openai.NewClient(apiKey, cfg.Name, cfg.Endpoint)
	case config.ProviderGoogle:
		raw = google.NewGeminiClient(apiKey, cfg.Name, cfg.Endpoint)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	return wrapClient(raw, cfg, recorder, logger), nil
}

func wrapClient(raw llm.LLMClient, cfg *config.ModelConfig, recorder Recorder, logger *logx.Logger) llm.LLMClient {
	var (
		metricsRecorder  metrics.Recorder
		throttleRecorder ratelimit.ThrottleRecorder
	)
	if recorder != nil {
		metricsRecorder, throttleRecorder = recorder, recorder
	}

	breaker := circuit.New(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: 1,
		Timeout:          cfg.Circuit.Timeout,
	})
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
		Jitter:        true,
	}, nil)

	// Metrics -> CircuitBreaker -> Retry -> RateLimit -> Timeout -> provider
	return llm.Chain(raw,
		metrics.Middleware(metricsRecorder, nil),
		circuit.Middleware(breaker),
		retry.Middleware(policy, logger),
		ratelimit.Middleware(ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst), throttleRecorder),
		timeout.Middleware(cfg.RequestTimeout),
	)
}
