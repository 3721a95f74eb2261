// Package openai provides an OpenAI implementation of llm.LLMClient on the Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/llmerrors"
)

// Client wraps the official OpenAI Go client.
//
//nolint:govet // Simple struct, field alignment not critical
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates an OpenAI client (raw client, middleware applied at higher level).
// A non-empty baseURL overrides the API endpoint, e.g. for an OpenAI-compatible gateway.
func NewClient(apiKey, model, baseURL string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// reasoningModel reports whether the model rejects sampling parameters.
func reasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Complete implements llm.LLMClient. The conversation is flattened into a single
// input string and system messages become instructions.
//
//nolint:gocritic // 80 bytes is reasonable for interface compliance
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	system, rest := llm.SplitSystem(in.Messages)
	if len(rest) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no user message")
	}

	var input strings.Builder
	for i := range rest {
		if rest[i].Role == llm.RoleAssistant {
			fmt.Fprintf(&input, "Assistant: %s\n\n", rest[i].Content)
			continue
		}
		input.WriteString(rest[i].Content)
		input.WriteString("\n\n")
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(strings.TrimSpace(input.String()))},
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}
	if !reasoningModel(o.model) {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if strings.TrimSpace(content) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "OpenAI returned no output text")
	}

	return llm.CompletionResponse{
		Content:    content,
		StopReason: string(resp.Status),
	}, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err //nolint:wrapcheck // context errors pass through for the middleware
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Type:       llmerrors.ClassifyStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        err,
			Message:    "OpenAI Responses API failed",
		}
	}
	return llmerrors.NewErrorWithCause(llmerrors.ClassifyMessage(err.Error()), err, "OpenAI Responses API failed")
}
