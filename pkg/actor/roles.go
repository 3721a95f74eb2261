package actor

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"buildloop/pkg/runstate"
	"buildloop/pkg/templates"
)

// Role is one of the closed set of reasoning roles.
type Role string

const (
	RolePlanner    Role = "planner"
	RoleArchitect  Role = "architect"
	RoleCoder      Role = "coder"
	RoleTestAuthor Role = "test_author"
	RoleDebugger   Role = "debugger"
	RoleVerifier   Role = "verifier"
)

type roleSpec struct {
	phase       runstate.Phase
	temperature float32
	template    templates.StateTemplate
	newPayload  func() Payload
}

//nolint:gochecknoglobals // closed role table
var roleSpecs = map[Role]roleSpec{
	RolePlanner:    {runstate.PhasePlanning, 0.3, templates.PlannerTemplate, func() Payload { return &PlanPayload{} }},
	RoleArchitect:  {runstate.PhaseArchitecture, 0.4, templates.ArchitectTemplate, func() Payload { return &ArchitecturePayload{} }},
	RoleCoder:      {runstate.PhaseCoding, 0.2, templates.CoderTemplate, func() Payload { return &CodePayload{} }},
	RoleTestAuthor: {runstate.PhaseTestAuthoring, 0.3, templates.TestAuthorTemplate, func() Payload { return &TestPayload{} }},
	RoleDebugger:   {runstate.PhaseDebugging, 0.3, templates.DebuggerTemplate, func() Payload { return &DebugPayload{} }},
	RoleVerifier:   {runstate.PhaseVerification, 0.0, templates.VerifierTemplate, func() Payload { return &VerifyPayload{} }},
}

// Roles lists every role in pipeline order.
func Roles() []Role {
	return []Role{RolePlanner, RoleArchitect, RoleCoder, RoleTestAuthor, RoleDebugger, RoleVerifier}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleSpecs[r]
	return ok
}

// Temperature is the fixed sampling temperature of the role.
func (r Role) Temperature() float32 { return roleSpecs[r].temperature }

// Phase is the pipeline phase the role serves.
func (r Role) Phase() runstate.Phase { return roleSpecs[r].phase }

// ForPhase returns the role that serves phase.
func ForPhase(phase runstate.Phase) (Role, bool) {
	for role, spec := range roleSpecs {
		if spec.phase == phase {
			return role, true
		}
	}
	return "", false
}

// Payload is the schema-typed body of one role's response.
type Payload interface {
	Validate() error
	Score() int
	Summary() string
}

// Editor is implemented by payloads that change workspace files.
type Editor interface {
	Edits() []FileEdit
}

// Edit modes.
const (
	ModeCreate  = "create"
	ModeReplace = "replace"
	ModeDelete  = "delete"
)

// FileEdit is one whole-file change proposed by a model.
type FileEdit struct {
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Content string `json:"content,omitempty"`
}

// Validate checks the mode and that the path stays inside the project.
func (e FileEdit) Validate() error {
	if strings.TrimSpace(e.Path) == "" {
		return fmt.Errorf("file edit has empty path")
	}
	clean := path.Clean(strings.ReplaceAll(e.Path, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return fmt.Errorf("file path %q escapes the project", e.Path)
	}
	switch e.Mode {
	case ModeCreate, ModeReplace:
	case ModeDelete:
		return nil
	default:
		return fmt.Errorf("file %s: unknown mode %q", e.Path, e.Mode)
	}
	return nil
}

// CleanPath returns the normalized project-relative path.
func (e FileEdit) CleanPath() string {
	return path.Clean(strings.ReplaceAll(e.Path, "\\", "/"))
}

// Scored carries the confidence every role must report.
type Scored struct {
	Confidence *int `json:"confidence"`
}

// Score returns the confidence, or 0 when absent.
func (s Scored) Score() int {
	if s.Confidence == nil {
		return 0
	}
	return *s.Confidence
}

func (s Scored) validateScore() error {
	if s.Confidence == nil {
		return fmt.Errorf("confidence is required")
	}
	if *s.Confidence < 0 || *s.Confidence > 100 {
		return fmt.Errorf("confidence %d outside 0..100", *s.Confidence)
	}
	return nil
}

func validateEdits(files []FileEdit, required bool) error {
	if required && len(files) == 0 {
		return fmt.Errorf("at least one file edit is required")
	}
	for i := range files {
		if err := files[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LayoutEntry is one planned file.
type LayoutEntry struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
}

// PlanPayload is the planner's response.
type PlanPayload struct {
	Scored
	Plan            string        `json:"plan"`
	Milestones      []string      `json:"milestones"`
	AcceptanceTests []string      `json:"acceptance_tests"`
	RepoLayout      []LayoutEntry `json:"repo_layout"`
	Risks           []string      `json:"risks"`
}

func (p *PlanPayload) Validate() error {
	if strings.TrimSpace(p.Plan) == "" {
		return fmt.Errorf("plan is required")
	}
	return p.validateScore()
}

func (p *PlanPayload) Summary() string {
	return fmt.Sprintf("%d milestones, %d acceptance tests", len(p.Milestones), len(p.AcceptanceTests))
}

// Component is one architectural building block.
type Component struct {
	Name             string   `json:"name"`
	Purpose          string   `json:"purpose"`
	Responsibilities []string `json:"responsibilities"`
}

// ArchitecturePayload is the architect's response.
type ArchitecturePayload struct {
	Scored
	Pattern    string            `json:"pattern"`
	Components []Component       `json:"components"`
	Interfaces []string          `json:"interfaces"`
	TechStack  map[string]string `json:"tech_stack"`
	Files      []FileEdit        `json:"files"`
}

func (p *ArchitecturePayload) Validate() error {
	if strings.TrimSpace(p.Pattern) == "" {
		return fmt.Errorf("pattern is required")
	}
	if len(p.Components) == 0 {
		return fmt.Errorf("at least one component is required")
	}
	if err := validateEdits(p.Files, false); err != nil {
		return err
	}
	return p.validateScore()
}

func (p *ArchitecturePayload) Summary() string {
	return fmt.Sprintf("%s with %d components", p.Pattern, len(p.Components))
}

func (p *ArchitecturePayload) Edits() []FileEdit { return p.Files }

// CodePayload is the coder's response.
type CodePayload struct {
	Scored
	Text  string     `json:"summary"`
	Files []FileEdit `json:"files"`
}

func (p *CodePayload) Validate() error {
	if err := validateEdits(p.Files, true); err != nil {
		return err
	}
	return p.validateScore()
}

func (p *CodePayload) Summary() string    { return p.Text }
func (p *CodePayload) Edits() []FileEdit { return p.Files }

// TestPayload is the test author's response.
type TestPayload struct {
	Scored
	Text        string     `json:"summary"`
	Files       []FileEdit `json:"files"`
	TestCommand string     `json:"test_command,omitempty"`
}

func (p *TestPayload) Validate() error {
	if err := validateEdits(p.Files, true); err != nil {
		return err
	}
	return p.validateScore()
}

func (p *TestPayload) Summary() string    { return p.Text }
func (p *TestPayload) Edits() []FileEdit { return p.Files }

// DebugPayload is the debugger's response; Files is the patch.
type DebugPayload struct {
	Scored
	Diagnosis string     `json:"diagnosis"`
	Files     []FileEdit `json:"files"`
}

func (p *DebugPayload) Validate() error {
	if strings.TrimSpace(p.Diagnosis) == "" {
		return fmt.Errorf("diagnosis is required")
	}
	if err := validateEdits(p.Files, true); err != nil {
		return err
	}
	return p.validateScore()
}

func (p *DebugPayload) Summary() string    { return p.Diagnosis }
func (p *DebugPayload) Edits() []FileEdit { return p.Files }

// VerifyPayload is the verifier's verdict.
type VerifyPayload struct {
	Scored
	Complete            *bool    `json:"complete"`
	Reasoning           string   `json:"reasoning"`
	MissingRequirements []string `json:"missing_requirements"`
	QualityIssues       []string `json:"quality_issues"`
	NextSteps           []string `json:"next_steps"`
}

func (p *VerifyPayload) Validate() error {
	if p.Complete == nil {
		return fmt.Errorf("complete is required")
	}
	return p.validateScore()
}

func (p *VerifyPayload) Summary() string {
	verdict := "incomplete"
	if p.Approved() {
		verdict = "complete"
	}
	if p.Reasoning == "" {
		return verdict
	}
	return verdict + ": " + p.Reasoning
}

// Approved reports the verifier's complete flag.
func (p *VerifyPayload) Approved() bool { return p.Complete != nil && *p.Complete }

// Findings returns missing requirements and quality issues as prefixed lines.
func (p *VerifyPayload) Findings() []string {
	out := make([]string, 0, len(p.MissingRequirements)+len(p.QualityIssues))
	for _, m := range p.MissingRequirements {
		out = append(out, "missing: "+m)
	}
	for _, q := range p.QualityIssues {
		out = append(out, "quality: "+q)
	}
	return out
}

// decodePayload unmarshals raw JSON into the role's payload and validates it.
func decodePayload(role Role, raw []byte) (Payload, error) {
	payload := roleSpecs[role].newPayload()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", role, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%s payload: %w", role, err)
	}
	return payload, nil
}
