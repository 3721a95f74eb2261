// Package gate decides whether a run may complete.
package gate

import (
	"fmt"
	"strings"

	"buildloop/pkg/runstate"
)

// DefaultThreshold is the minimum confidence for completion.
const DefaultThreshold = 90

// Route is where a rejected run goes next.
type Route string

const (
	RouteNone      Route = ""
	RouteTesting   Route = "testing"
	RouteDebugging Route = "debugging"
	RouteFail      Route = "fail"
)

// Decision is the result of one evaluation.
type Decision struct {
	Accept  bool
	Reasons []string
	Route   Route
}

// Reason joins the rejection reasons.
func (d Decision) Reason() string {
	return strings.Join(d.Reasons, "; ")
}

// Gate is the completion check.
type Gate struct {
	threshold int
}

// New returns a gate with the given confidence threshold.
func New(threshold int) *Gate {
	return &Gate{threshold: threshold}
}

// Threshold returns the configured confidence threshold.
func (g *Gate) Threshold() int { return g.threshold }

// Evaluate accepts only when the latest record is ok and confident enough,
// the latest test run passed and no repair attempt is outstanding.
// verifierIssues are findings reported by the verifier on the latest record.
func (g *Gate) Evaluate(run *runstate.Run, verifierIssues []string) Decision {
	var reasons []string

	last := run.LastRecord()
	switch {
	case last == nil:
		reasons = append(reasons, "no phase record")
	default:
		if last.Confidence < g.threshold {
			reasons = append(reasons, fmt.Sprintf("confidence %d below threshold %d", last.Confidence, g.threshold))
		}
		if last.Outcome != runstate.OutcomeOK {
			reasons = append(reasons, fmt.Sprintf("last %s record is %s", last.Phase, last.Outcome))
		}
	}

	testsFailing := run.LastTest == nil || !run.LastTest.Passed
	if run.LastTest == nil {
		reasons = append(reasons, "tests have not run")
	} else if !run.LastTest.Passed {
		reasons = append(reasons, "tests failing: "+run.LastTest.Summary())
	}

	unresolved := run.UnresolvedDebug()
	if unresolved {
		reasons = append(reasons, "unresolved debug attempt")
	}

	if len(reasons) == 0 {
		return Decision{Accept: true}
	}

	d := Decision{Reasons: reasons}
	switch {
	case run.BudgetLeft() == 0:
		d.Route = RouteFail
	case (run.LastTest != nil && testsFailing) || unresolved || len(verifierIssues) > 0:
		d.Route = RouteDebugging
	default:
		d.Route = RouteTesting
	}
	return d
}
