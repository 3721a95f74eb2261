// Package templates renders the actor prompts from embedded markdown templates.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tpl.md system/*.md
var templateFS embed.FS

// HistoryEntry is one prior phase record as shown to a model.
type HistoryEntry struct {
	Seq        int
	Phase      string
	Outcome    string
	Confidence int
	Summary    string
}

// FileExcerpt is the content of one workspace file, possibly truncated.
type FileExcerpt struct {
	Path    string
	Content string
}

// AttemptEntry is one earlier debug attempt of the current repair loop.
type AttemptEntry struct {
	Seq            int
	Outcome        string
	Diagnosis      string
	FailureSummary string
	Files          []string
}

// TemplateData holds everything a role prompt can reference.
type TemplateData struct {
	Requirement   string
	ProjectName   string
	Iteration     int
	MaxIterations int

	History      []HistoryEntry
	Plan         string
	Architecture string
	Files        []FileExcerpt

	Failure       string
	FailureOutput string
	Attempts      []AttemptEntry
	Feedback      []string
	TestCommand   string
}

// StateTemplate names a role prompt template.
type StateTemplate string

const (
	PlannerTemplate    StateTemplate = "planner.tpl.md"
	ArchitectTemplate  StateTemplate = "architect.tpl.md"
	CoderTemplate      StateTemplate = "coder.tpl.md"
	TestAuthorTemplate StateTemplate = "test_author.tpl.md"
	DebuggerTemplate   StateTemplate = "debugger.tpl.md"
	VerifierTemplate   StateTemplate = "verifier.tpl.md"
)

const partialsFile = "partials.tpl.md"

// Renderer holds the parsed role templates and system prompts.
type Renderer struct {
	templates map[StateTemplate]*template.Template
	system    map[StateTemplate]string
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[StateTemplate]*template.Template),
		system:    make(map[StateTemplate]string),
	}

	for _, name := range []StateTemplate{
		PlannerTemplate,
		ArchitectTemplate,
		CoderTemplate,
		TestAuthorTemplate,
		DebuggerTemplate,
		VerifierTemplate,
	} {
		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"join": strings.Join,
		}).ParseFS(templateFS, partialsFile, string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl

		systemFile := "system/" + strings.TrimSuffix(string(name), ".tpl.md") + ".md"
		content, err := templateFS.ReadFile(systemFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read system prompt %s: %w", systemFile, err)
		}
		r.system[name] = strings.TrimSpace(string(content))
	}

	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// System returns the system prompt that goes with templateName.
func (r *Renderer) System(templateName StateTemplate) (string, error) {
	s, ok := r.system[templateName]
	if !ok {
		return "", fmt.Errorf("system prompt for %s not found", templateName)
	}
	return s, nil
}
