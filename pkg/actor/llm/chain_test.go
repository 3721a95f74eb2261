package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticClient struct{ content string }

func (s staticClient) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{Content: s.content}, nil
}

func (s staticClient) GetModelName() string { return "static" }

func tagging(tag string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				resp.Content = tag + "(" + resp.Content + ")"
				return resp, err
			},
			next.GetModelName,
		)
	}
}

func TestChainOrder(t *testing.T) {
	client := Chain(staticClient{content: "base"}, tagging("outer"), nil, tagging("inner"))

	resp, err := client.Complete(context.Background(), NewCompletionRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "outer(inner(base))", resp.Content)
	assert.Equal(t, "static", client.GetModelName())
}

func TestChainNoMiddleware(t *testing.T) {
	base := staticClient{content: "x"}
	assert.Equal(t, base, Chain(base))
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]CompletionMessage{
		NewSystemMessage("a"),
		NewUserMessage("hello"),
		NewSystemMessage("b"),
	})
	assert.Equal(t, "a\n\nb", system)
	require.Len(t, rest, 1)
	assert.Equal(t, RoleUser, rest[0].Role)
}

func TestNewCompletionRequestDefaults(t *testing.T) {
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("hi")})
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.InDelta(t, TemperatureDefault, req.Temperature, 0.0001)
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, (&Config{}).Validate())
	require.Error(t, (&Config{ModelName: "m", MaxTokens: -1}).Validate())
	require.NoError(t, (&Config{ModelName: "m"}).Validate())
}
