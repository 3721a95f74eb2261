package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"buildloop/pkg/runstate"
)

const (
	// pytest exits with 5 when it collected no tests.
	pytestNoTestsExit = 5
	tailLines         = 20
	maxDiagnostics    = 50
)

var (
	pytestFailed = regexp.MustCompile(`(?m)^(?:FAILED|ERROR) (\S+)(?: - (.*))?$`)
	goFailed     = regexp.MustCompile(`(?m)^\s*--- FAIL: (\S+)`)
)

// Diagnose turns a finished command into diagnostics. It returns nil for a clean pass.
func Diagnose(command string, res Result, timeout time.Duration) []runstate.Diagnostic {
	if res.TimedOut {
		return []runstate.Diagnostic{{
			Kind:    runstate.DiagTimeout,
			Message: fmt.Sprintf("tests exceeded %s", timeout),
			Detail:  tail(res.Output(), tailLines),
		}}
	}
	if res.ExitCode == 0 {
		return nil
	}

	output := res.Output()
	if res.ExitCode == pytestNoTestsExit && strings.Contains(command, "pytest") {
		return []runstate.Diagnostic{{
			Kind:    runstate.DiagNoTests,
			Message: "no tests were collected",
			Detail:  tail(output, tailLines),
		}}
	}

	var diags []runstate.Diagnostic
	for _, m := range pytestFailed.FindAllStringSubmatch(output, -1) {
		diags = append(diags, runstate.Diagnostic{Kind: runstate.DiagTestFailure, Message: m[1], Detail: strings.TrimSpace(m[2])})
	}
	for _, m := range goFailed.FindAllStringSubmatch(output, -1) {
		diags = append(diags, runstate.Diagnostic{Kind: runstate.DiagTestFailure, Message: m[1]})
	}
	if len(diags) > maxDiagnostics {
		diags = diags[:maxDiagnostics]
	}
	if len(diags) > 0 {
		return diags
	}

	return []runstate.Diagnostic{{
		Kind:    runstate.DiagExitStatus,
		Message: fmt.Sprintf("%s exited with status %d", command, res.ExitCode),
		Detail:  tail(output, tailLines),
	}}
}

func tail(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
