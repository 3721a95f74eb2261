package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/llmerrors"
)

func TestComplete_AgainstFakeServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"confidence\": 90}"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	client := NewGeminiClient("key", "gemini-test", srv.URL)
	resp, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewSystemMessage("sys"), llm.NewUserMessage("hi")},
		MaxTokens:   64,
		Temperature: 0,
	})

	require.NoError(t, err)
	assert.Equal(t, `{"confidence": 90}`, resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.NotNil(t, body["systemInstruction"])
}

func TestComplete_ServerErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	client := NewGeminiClient("key", "gemini-test", srv.URL)
	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("hi")},
	})

	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeRateLimit))
}

func TestGetStopReason(t *testing.T) {
	assert.Equal(t, "unknown", getStopReason(&genai.GenerateContentResponse{}))
	assert.Equal(t, "max_tokens", getStopReason(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}},
	}))
}
