// Package metrics records request outcomes for model calls.
package metrics

import (
	"context"
	"errors"
	"time"

	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/llmerrors"
	"buildloop/pkg/actor/middleware/resilience/circuit"
	"buildloop/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Recorder receives one observation per completed request.
type Recorder interface {
	ObserveRequest(model, role, status, errorType string, promptTokens, completionTokens int, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(_, _, _, _ string, _, _ int, _ time.Duration) {}

// Nop returns a recorder that discards all observations.
func Nop() Recorder { return nopRecorder{} }

// UsageExtractor derives token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts tokens with tiktoken.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	return utils.CountTokensSimple(promptText), utils.CountTokensSimple(resp.Content)
}

// Middleware records latency, token usage and outcome for each request.
func Middleware(recorder Recorder, usageExtractor UsageExtractor) llm.Middleware {
	if recorder == nil {
		recorder = Nop()
	}
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				status, errorType := statusSuccess, ""
				var promptTokens, completionTokens int
				if err != nil {
					status, errorType = statusError, errorTypeOf(err)
				} else {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}

				recorder.ObserveRequest(next.GetModelName(), req.Tag, status, errorType, promptTokens, completionTokens, duration)
				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}

func errorTypeOf(err error) string {
	var circuitErr *circuit.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return llmerrors.TypeOf(err).String()
	}
}
