// Package timeout bounds each model call with its own deadline.
package timeout

import (
	"context"
	"time"

	"buildloop/pkg/actor/llm"
)

// Middleware gives each Complete call a context with the given timeout.
// A zero or negative duration disables the bound.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			next.GetModelName,
		)
	}
}
