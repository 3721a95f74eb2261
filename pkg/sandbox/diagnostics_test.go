package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/pkg/runstate"
)

func TestDiagnosePass(t *testing.T) {
	assert.Nil(t, Diagnose("pytest", Result{ExitCode: 0, Stdout: "3 passed"}, time.Minute))
}

func TestDiagnosePytestFailures(t *testing.T) {
	out := `============ short test summary info ============
FAILED tests/test_calc.py::test_add - assert 3 == 4
FAILED tests/test_calc.py::test_sub
ERROR tests/test_io.py - ModuleNotFoundError: No module named 'io2'
2 failed, 1 error in 0.12s`
	diags := Diagnose("python -m pytest -v", Result{ExitCode: 1, Stdout: out}, time.Minute)
	require.Len(t, diags, 3)
	assert.Equal(t, runstate.Diagnostic{Kind: runstate.DiagTestFailure, Message: "tests/test_calc.py::test_add", Detail: "assert 3 == 4"}, diags[0])
	assert.Equal(t, "tests/test_calc.py::test_sub", diags[1].Message)
	assert.Empty(t, diags[1].Detail)
	assert.Contains(t, diags[2].Detail, "ModuleNotFoundError")
}

func TestDiagnoseGoFailures(t *testing.T) {
	out := "=== RUN   TestSum\n--- FAIL: TestSum (0.00s)\n    sum_test.go:9: got 3 want 4\n    --- FAIL: TestSum/negative (0.00s)\nFAIL\n"
	diags := Diagnose("go test ./...", Result{ExitCode: 1, Stdout: out}, time.Minute)
	require.Len(t, diags, 2)
	assert.Equal(t, "TestSum", diags[0].Message)
	assert.Equal(t, "TestSum/negative", diags[1].Message)
}

func TestDiagnoseTimeout(t *testing.T) {
	diags := Diagnose("pytest", Result{ExitCode: -1, TimedOut: true}, 5*time.Minute)
	require.Len(t, diags, 1)
	assert.Equal(t, runstate.DiagTimeout, diags[0].Kind)
	assert.Equal(t, "tests exceeded 5m0s", diags[0].Message)
}

func TestDiagnoseNoTests(t *testing.T) {
	diags := Diagnose("python -m pytest -v", Result{ExitCode: 5, Stdout: "collected 0 items"}, time.Minute)
	require.Len(t, diags, 1)
	assert.Equal(t, runstate.DiagNoTests, diags[0].Kind)

	// exit 5 from anything else is a plain exit status
	diags = Diagnose("make test", Result{ExitCode: 5}, time.Minute)
	assert.Equal(t, runstate.DiagExitStatus, diags[0].Kind)
}

func TestDiagnoseExitStatusKeepsTail(t *testing.T) {
	var out string
	for i := 0; i < 40; i++ {
		out += "line\n"
	}
	out += "Traceback: boom\n"
	diags := Diagnose("npm test", Result{ExitCode: 2, Stderr: out}, time.Minute)
	require.Len(t, diags, 1)
	assert.Equal(t, runstate.DiagExitStatus, diags[0].Kind)
	assert.Equal(t, "npm test exited with status 2", diags[0].Message)
	assert.Contains(t, diags[0].Detail, "Traceback: boom")
	assert.Len(t, splitLines(diags[0].Detail), tailLines)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
