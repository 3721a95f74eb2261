// Package ratelimit spaces model calls with a token-bucket limiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"buildloop/pkg/actor/llm"
)

// ThrottleRecorder receives the time each request spent waiting for the limiter.
type ThrottleRecorder interface {
	ObserveQueueWait(model string, d time.Duration)
}

// NewLimiter builds a limiter for requestsPerSecond; zero or less means unlimited.
func NewLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Middleware waits on limiter before each request.
func Middleware(limiter *rate.Limiter, recorder ThrottleRecorder) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				if err := limiter.Wait(ctx); err != nil {
					return llm.CompletionResponse{}, fmt.Errorf("rate limiter wait: %w", err)
				}
				if recorder != nil {
					recorder.ObserveQueueWait(next.GetModelName(), time.Since(start))
				}
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}
