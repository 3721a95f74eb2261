package mocks

import (
	"context"
	"sync"
	"time"

	"buildloop/pkg/runstate"
	"buildloop/pkg/sandbox"
)

// FakeSandbox implements sandbox.Adapter with scripted results; the last one repeats.
type FakeSandbox struct {
	mu      sync.Mutex
	results []*runstate.TestResult
	idx     int
	Calls   []sandbox.Artifact
}

// NewFakeSandbox returns a sandbox that yields results in order.
func NewFakeSandbox(results ...*runstate.TestResult) *FakeSandbox {
	return &FakeSandbox{results: results}
}

// Queue appends further results.
func (f *FakeSandbox) Queue(results ...*runstate.TestResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

// RunTests implements sandbox.Adapter.
func (f *FakeSandbox) RunTests(ctx context.Context, artifact sandbox.Artifact) (*runstate.TestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck // mirrors the live adapter
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, artifact)

	if len(f.results) == 0 {
		return PassingResult(), nil
	}
	res := f.results[len(f.results)-1]
	if f.idx < len(f.results) {
		res = f.results[f.idx]
		f.idx++
	}
	cp := *res
	return &cp, nil
}

// CallCount returns how many times RunTests ran.
func (f *FakeSandbox) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// PassingResult is a clean test run.
func PassingResult() *runstate.TestResult {
	return &runstate.TestResult{Passed: true, Command: "pytest", Duration: time.Second}
}

// FailingResult is a run with one failing test.
func FailingResult(test, detail string) *runstate.TestResult {
	return &runstate.TestResult{
		Passed:      false,
		ExitCode:    1,
		Command:     "pytest",
		Diagnostics: []runstate.Diagnostic{{Kind: runstate.DiagTestFailure, Message: test, Detail: detail}},
		Output:      "FAILED " + test + " - " + detail,
		Duration:    time.Second,
	}
}
