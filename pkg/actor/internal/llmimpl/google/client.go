// Package google provides the Google Gemini implementation of llm.LLMClient.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/llmerrors"
)

// GeminiClient wraps the Google GenAI client.
type GeminiClient struct {
	apiKey  string
	model   string
	baseURL string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// NewGeminiClient creates a Gemini client (raw client, middleware applied at higher level).
// The SDK client needs a context to construct, so it is created on first use.
func NewGeminiClient(apiKey, model, baseURL string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model, baseURL: baseURL}
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if g.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
		}
		g.client, g.clientErr = genai.NewClient(ctx, cfg)
	})
	return g.client, g.clientErr
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}

	system, rest := llm.SplitSystem(in.Messages)
	if len(rest) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no user message")
	}
	contents := make([]*genai.Content, 0, len(rest))
	for i := range rest {
		role := "user"
		if rest[i].Role == llm.RoleAssistant {
			role = "model" // Gemini uses "model" instead of "assistant"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: rest[i].Content}}})
	}

	temperature := in.Temperature
	//nolint:gosec // MaxTokens validated at higher layer
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil || strings.TrimSpace(result.Text()) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	return llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: getStopReason(result),
	}, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

func getStopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 {
		return "unknown"
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop, "":
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return strings.ToLower(string(result.Candidates[0].FinishReason))
	}
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err //nolint:wrapcheck // context errors pass through for the middleware
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Type:       llmerrors.ClassifyStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Err:        err,
			Message:    fmt.Sprintf("Gemini API error: %s", apiErr.Message),
		}
	}
	return llmerrors.NewErrorWithCause(llmerrors.ClassifyMessage(err.Error()), err, "Gemini API call failed")
}
