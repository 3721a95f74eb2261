package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"buildloop/pkg/actor/llm"
	"buildloop/pkg/actor/llmerrors"
	"buildloop/pkg/logx"
	"buildloop/pkg/runstate"
	"buildloop/pkg/templates"
	"buildloop/pkg/utils"
)

// Context is everything the pipeline hands a role for one invocation.
type Context struct {
	Requirement   string
	ProjectName   string
	Iteration     int
	MaxIterations int

	History     []runstate.PhaseRecord
	Attempts    []runstate.DebugAttempt
	Failure     *runstate.TestResult
	Feedback    []string
	Files       []templates.FileExcerpt
	TestCommand string
}

// Response is one validated role reply.
type Response struct {
	Role       Role
	Payload    Payload
	Confidence int
	Raw        string
}

// Edits returns the file edits of the payload, if it carries any.
func (r *Response) Edits() []FileEdit {
	if e, ok := r.Payload.(Editor); ok {
		return e.Edits()
	}
	return nil
}

// Gateway invokes a role and returns its validated response. Errors wrap
// ErrInvalidResponse or ErrUnavailable.
type Gateway interface {
	Invoke(ctx context.Context, role Role, in Context) (*Response, error)
}

// LLMGateway renders role prompts, calls the model and validates the reply.
type LLMGateway struct {
	client        llm.LLMClient
	renderer      *templates.Renderer
	maxTokens     int
	contextTokens int
	logger        *logx.Logger
}

// NewLLMGateway builds a gateway over client. contextTokens bounds failure
// output and each file excerpt placed in a prompt.
func NewLLMGateway(client llm.LLMClient, renderer *templates.Renderer, maxTokens, contextTokens int) *LLMGateway {
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	return &LLMGateway{
		client:        client,
		renderer:      renderer,
		maxTokens:     maxTokens,
		contextTokens: contextTokens,
		logger:        logx.NewLogger("actor"),
	}
}

// Invoke runs one role exactly once.
func (g *LLMGateway) Invoke(ctx context.Context, role Role, in Context) (*Response, error) {
	spec, ok := roleSpecs[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	prompt, err := g.renderer.Render(spec.template, g.templateData(in))
	if err != nil {
		return nil, fmt.Errorf("render %s prompt: %w", role, err)
	}
	system, err := g.renderer.System(spec.template)
	if err != nil {
		return nil, fmt.Errorf("load %s system prompt: %w", role, err)
	}

	req := llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewSystemMessage(system), llm.NewUserMessage(prompt)},
		MaxTokens:   g.maxTokens,
		Temperature: spec.temperature,
		Tag:         string(role),
	}

	g.logger.Debug("invoking %s (prompt ~%d tokens)", role, utils.CountTokensSimple(prompt))
	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err() //nolint:wrapcheck // cancellation passes through
		}
		if llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
			return nil, fmt.Errorf("%w: %s returned an empty reply", ErrInvalidResponse, role)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, role, err)
	}

	return ParseResponse(role, resp.Content)
}

// ParseResponse extracts, decodes and validates a raw reply for role.
func ParseResponse(role Role, content string) (*Response, error) {
	body, err := ExtractJSON(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidResponse, role, err)
	}
	payload, err := decodePayload(role, []byte(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return &Response{
		Role:       role,
		Payload:    payload,
		Confidence: payload.Score(),
		Raw:        body,
	}, nil
}

func (g *LLMGateway) templateData(in Context) *templates.TemplateData {
	data := &templates.TemplateData{
		Requirement:   in.Requirement,
		ProjectName:   in.ProjectName,
		Iteration:     in.Iteration,
		MaxIterations: in.MaxIterations,
		Feedback:      in.Feedback,
		TestCommand:   in.TestCommand,
	}

	for _, rec := range in.History {
		data.History = append(data.History, templates.HistoryEntry{
			Seq:        rec.Seq,
			Phase:      string(rec.Phase),
			Outcome:    string(rec.Outcome),
			Confidence: rec.Confidence,
			Summary:    rec.Summary,
		})
		if rec.Outcome != runstate.OutcomeOK {
			continue
		}
		switch rec.Phase {
		case runstate.PhasePlanning:
			data.Plan = rec.Detail
		case runstate.PhaseArchitecture:
			data.Architecture = rec.Detail
		}
	}

	counter := utils.SharedCounter()
	for _, f := range in.Files {
		content := f.Content
		if g.contextTokens > 0 {
			content = counter.TruncateToTokenLimit(content, g.contextTokens)
		}
		data.Files = append(data.Files, templates.FileExcerpt{Path: f.Path, Content: content})
	}

	if in.Failure != nil {
		data.Failure = describeFailure(in.Failure)
		output := in.Failure.Output
		if g.contextTokens > 0 {
			output = counter.TruncateTail(output, g.contextTokens)
		}
		data.FailureOutput = output
	}

	for _, a := range in.Attempts {
		data.Attempts = append(data.Attempts, templates.AttemptEntry{
			Seq:            a.Seq,
			Outcome:        string(a.Outcome),
			Diagnosis:      a.Diagnosis,
			FailureSummary: a.FailureSummary,
			Files:          a.Files,
		})
	}
	return data
}

func describeFailure(t *runstate.TestResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", t.Summary())
	for _, d := range t.Diagnostics {
		fmt.Fprintf(&b, "- [%s] %s", d.Kind, d.Message)
		if d.Detail != "" {
			fmt.Fprintf(&b, ": %s", d.Detail)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// InvokeWithSchemaRetries re-invokes role while the reply fails schema
// validation, up to attempts calls in total. Transport failures and
// cancellation are returned at once. The returned count is the number of calls made.
func InvokeWithSchemaRetries(ctx context.Context, gw Gateway, role Role, in Context, attempts int) (*Response, int, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		resp, err := gw.Invoke(ctx, role, in)
		if err == nil {
			return resp, i, nil
		}
		if !errors.Is(err, ErrInvalidResponse) {
			return nil, i, err
		}
		lastErr = err
		logx.Debug(ctx, "actor", "%s reply rejected (attempt %d/%d): %v", role, i, attempts, err)
	}
	return nil, attempts, lastErr
}
