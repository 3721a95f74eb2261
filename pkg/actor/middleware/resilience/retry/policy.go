// Package retry provides retry logic with exponential backoff for resilient model calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"buildloop/pkg/actor/llmerrors"
	"buildloop/pkg/actor/middleware/resilience/circuit"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add up to ±10% random jitter
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier. It uses a blocklist: classified errors
// follow IsRetryable, caller cancellation and open circuits are never retried,
// obvious client errors are not retried, and everything else is.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Caller cancellation is final. A per-request DeadlineExceeded is retried;
	// the middleware checks the parent context before each attempt.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"400", "401", "403", "404", "unauthorized", "invalid api key"} {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}
	return true
}

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a new retry policy; a nil classifier means ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Policy{Config: config, Classifier: classifier}
}

// CalculateDelay computes the delay before the given attempt number.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}
	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
