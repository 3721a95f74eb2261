package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"buildloop/pkg/actor"
)

// GatewayStep is one scripted gateway reply. Content is the raw model text;
// it is validated exactly as a live reply would be.
type GatewayStep struct {
	Content string
	Err     error
}

// GatewayCall records one Invoke.
type GatewayCall struct {
	Role    actor.Role
	Context actor.Context
}

// FakeGateway implements actor.Gateway from per-role scripts.
type FakeGateway struct {
	mu       sync.Mutex
	scripts  map[actor.Role][]GatewayStep
	defaults map[actor.Role]GatewayStep
	Calls    []GatewayCall
}

// NewFakeGateway returns a gateway with no scripted replies.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		scripts:  make(map[actor.Role][]GatewayStep),
		defaults: make(map[actor.Role]GatewayStep),
	}
}

// Script queues replies for role, consumed before the default.
func (f *FakeGateway) Script(role actor.Role, steps ...GatewayStep) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[role] = append(f.scripts[role], steps...)
	return f
}

// Default sets the reply used once the role's script is empty.
func (f *FakeGateway) Default(role actor.Role, content string) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[role] = GatewayStep{Content: content}
	return f
}

// DefaultError makes every unscripted call for role fail with err.
func (f *FakeGateway) DefaultError(role actor.Role, err error) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[role] = GatewayStep{Err: err}
	return f
}

// Invoke implements actor.Gateway.
func (f *FakeGateway) Invoke(ctx context.Context, role actor.Role, in actor.Context) (*actor.Response, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, GatewayCall{Role: role, Context: in})
	step, ok := f.next(role)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck // mirrors the live gateway
	}
	if !ok {
		return nil, fmt.Errorf("%w: no scripted reply for %s", actor.ErrUnavailable, role)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return actor.ParseResponse(role, step.Content)
}

func (f *FakeGateway) next(role actor.Role) (GatewayStep, bool) {
	if queue := f.scripts[role]; len(queue) > 0 {
		f.scripts[role] = queue[1:]
		return queue[0], true
	}
	step, ok := f.defaults[role]
	return step, ok
}

// CallsFor counts invocations of role.
func (f *FakeGateway) CallsFor(role actor.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Role == role {
			n++
		}
	}
	return n
}

// Roles lists invoked roles in call order.
func (f *FakeGateway) Roles() []actor.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]actor.Role, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.Role
	}
	return out
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

type edit struct {
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Content string `json:"content"`
}

// PlanReply is a valid planner reply.
func PlanReply(confidence int) string {
	return mustJSON(map[string]any{
		"plan":             "build the requested program in small steps",
		"milestones":       []string{"core", "tests"},
		"acceptance_tests": []string{"program runs"},
		"confidence":       confidence,
	})
}

// ArchitectReply is a valid architect reply.
func ArchitectReply(confidence int) string {
	return mustJSON(map[string]any{
		"pattern":    "layered",
		"components": []map[string]any{{"name": "core", "purpose": "logic"}},
		"confidence": confidence,
	})
}

// CodeReply is a valid coder reply writing one file.
func CodeReply(confidence int, path, content string) string {
	return mustJSON(map[string]any{
		"summary":    "implemented " + path,
		"files":      []edit{{Path: path, Mode: actor.ModeCreate, Content: content}},
		"confidence": confidence,
	})
}

// TestReply is a valid test author reply.
func TestReply(confidence int, testCommand string) string {
	return mustJSON(map[string]any{
		"summary":      "added tests",
		"files":        []edit{{Path: "tests/test_main.py", Mode: actor.ModeCreate, Content: "def test_ok():\n    assert True\n"}},
		"test_command": testCommand,
		"confidence":   confidence,
	})
}

// DebugReply is a valid debugger reply replacing one file.
func DebugReply(confidence int, diagnosis, path, content string) string {
	return mustJSON(map[string]any{
		"diagnosis":  diagnosis,
		"files":      []edit{{Path: path, Mode: actor.ModeReplace, Content: content}},
		"confidence": confidence,
	})
}

// VerifyReply is a valid verifier reply.
func VerifyReply(complete bool, confidence int, issues ...string) string {
	return mustJSON(map[string]any{
		"complete":       complete,
		"reasoning":      "reviewed",
		"quality_issues": issues,
		"confidence":     confidence,
	})
}
