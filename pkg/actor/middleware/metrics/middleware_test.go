package metrics_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/internal/mocks"
	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/llmerrors"
	"buildloop/pkg/actor/middleware/metrics"
	"buildloop/pkg/actor/middleware/resilience/circuit"
)

type observation struct {
	model, role, status, errorType string
	prompt, completion             int
}

type captureRecorder struct {
	mu   sync.Mutex
	seen []observation
}

func (c *captureRecorder) ObserveRequest(model, role, status, errorType string, p, comp int, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, observation{model, role, status, errorType, p, comp})
}

func TestMiddleware_RecordsSuccess(t *testing.T) {
	mock := mocks.NewMockLLMClient()
	mock.RespondWith("done")
	rec := &captureRecorder{}
	fixed := func(llm.CompletionRequest, llm.CompletionResponse) (int, int) { return 12, 3 }

	client := llm.Chain(mock, metrics.Middleware(rec, fixed))
	_, err := client.Complete(context.Background(), llm.CompletionRequest{Tag: "planner"})
	require.NoError(t, err)

	require.Len(t, rec.seen, 1)
	assert.Equal(t, observation{"mock-model", "planner", "success", "", 12, 3}, rec.seen[0])
}

func TestMiddleware_RecordsErrorType(t *testing.T) {
	cases := map[string]error{
		"circuit_open": &circuit.Error{State: circuit.Open},
		"timeout":      context.DeadlineExceeded,
		"canceled":     context.Canceled,
		"rate_limit":   llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429"),
		"unknown":      errors.New("boom"),
	}
	for want, err := range cases {
		t.Run(want, func(t *testing.T) {
			mock := mocks.NewMockLLMClient()
			mock.FailCompleteWith(err)
			rec := &captureRecorder{}

			client := llm.Chain(mock, metrics.Middleware(rec, nil))
			_, gotErr := client.Complete(context.Background(), llm.CompletionRequest{Tag: "coder"})

			require.ErrorIs(t, gotErr, err)
			require.Len(t, rec.seen, 1)
			assert.Equal(t, "error", rec.seen[0].status)
			assert.Equal(t, want, rec.seen[0].errorType)
		})
	}
}

func TestDefaultUsageExtractor(t *testing.T) {
	req := llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("hello world")}}
	p, c := metrics.DefaultUsageExtractor(req, llm.CompletionResponse{Content: "hi"})
	assert.Positive(t, p)
	assert.Positive(t, c)
}
