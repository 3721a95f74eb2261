package retry

import (
	"context"
	"fmt"
	"time"

	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/llmerrors"
	"buildloop/pkg/logx"
)

// Middleware retries failed completions according to policy. When every attempt
// fails with a retryable error it returns a ServiceUnavailable error wrapping the last one.
func Middleware(policy *Policy, logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if attempt > 1 {
						delay := policy.CalculateDelay(attempt)
						if logger != nil {
							logger.Warn("retrying %s completion (attempt %d/%d) in %s: %v",
								req.Tag, attempt, policy.Config.MaxAttempts, delay, lastErr)
						}
						timer := time.NewTimer(delay)
						select {
						case <-ctx.Done():
							timer.Stop()
							return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
						case <-timer.C:
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err

					if ctx.Err() != nil || !policy.ShouldRetry(err) {
						return llm.CompletionResponse{}, err
					}
				}

				return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
			},
			next.GetModelName,
		)
	}
}
