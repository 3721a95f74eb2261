package circuit

import (
	"context"
	"errors"

	"buildloop/pkg/actor/llm"
)

// Middleware rejects requests immediately while the circuit is open.
// Caller cancellation is not counted as a failure.
func Middleware(b Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !b.Allow() {
					return llm.CompletionResponse{}, &Error{State: b.GetState()}
				}

				resp, err := next.Complete(ctx, req)
				if err != nil && errors.Is(err, context.Canceled) {
					return resp, err //nolint:wrapcheck // pass through unchanged
				}
				b.Record(err == nil)
				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}
