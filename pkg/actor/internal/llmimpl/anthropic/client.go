// Package anthropic provides the Anthropic Claude implementation of llm.LLMClient.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/llmerrors"
)

// ClaudeClient wraps the Anthropic API client.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a Claude client (raw client, middleware applied at higher level).
// A non-empty baseURL overrides the API endpoint.
func NewClaudeClient(apiKey, model, baseURL string) *ClaudeClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// normalize merges consecutive same-role messages so the conversation alternates
// and starts with a user turn, which the Messages API requires.
func normalize(messages []llm.CompletionMessage) ([]llm.CompletionMessage, error) {
	out := make([]llm.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no user message")
	}
	if out[0].Role != llm.RoleUser {
		return nil, fmt.Errorf("first message must be user role, got: %s", out[0].Role)
	}
	return out, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, rest := llm.SplitSystem(in.Messages)
	conversation, err := normalize(rest)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid message sequence")
	}

	messages := make([]anthropic.MessageParam, 0, len(conversation))
	for _, m := range conversation {
		role := anthropic.MessageParamRoleUser
		if m.Role == llm.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
		})
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	var content strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			content.WriteString(resp.Content[i].Text)
		}
	}
	if strings.TrimSpace(content.String()) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Claude returned no text content")
	}

	return llm.CompletionResponse{
		Content:    content.String(),
		StopReason: string(resp.StopReason),
	}, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// classifyError maps Anthropic SDK errors to our structured error types.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err //nolint:wrapcheck // context errors pass through for the middleware
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		errType := llmerrors.ClassifyStatus(apiErr.StatusCode)
		if apiErr.StatusCode == 529 {
			errType = llmerrors.ErrorTypeTransient // overloaded
		}
		return &llmerrors.Error{Type: errType, StatusCode: apiErr.StatusCode, Err: err, Message: "Anthropic API error"}
	}

	return llmerrors.NewErrorWithCause(llmerrors.ClassifyMessage(err.Error()), err, "Anthropic request failed")
}
