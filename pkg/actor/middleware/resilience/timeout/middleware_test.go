package timeout_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/internal/mocks"
	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/middleware/resilience/timeout"
)

func blockingClient() *mocks.MockLLMClient {
	mock := mocks.NewMockLLMClient()
	mock.OnComplete(func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		<-ctx.Done()
		return llm.CompletionResponse{}, ctx.Err()
	})
	return mock
}

func TestMiddleware_BoundsEachCall(t *testing.T) {
	client := llm.Chain(blockingClient(), timeout.Middleware(10*time.Millisecond))

	start := time.Now()
	_, err := client.Complete(context.Background(), llm.CompletionRequest{})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMiddleware_ZeroDisables(t *testing.T) {
	mock := mocks.NewMockLLMClient()
	client := llm.Chain(mock, timeout.Middleware(0))
	assert.Same(t, mock, client)
}
