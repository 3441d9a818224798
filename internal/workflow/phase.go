// Package workflow drives each task through the fixed eleven-phase
// engineering workflow, from setup through finalization, enforcing
// strict gapless phase ordering and checkpointing after every
// transition.
package workflow

import "fmt"

// Phase is one step of the canonical workflow sequence.
type Phase string

const (
	PhaseSetup            Phase = "SETUP"
	PhaseIssueCreation    Phase = "ISSUE_CREATION"
	PhaseBranchManagement Phase = "BRANCH_MANAGEMENT"
	PhaseResearchPlanning Phase = "RESEARCH_PLANNING"
	PhaseImplementation   Phase = "IMPLEMENTATION"
	PhaseTesting          Phase = "TESTING"
	PhaseDocumentation    Phase = "DOCUMENTATION"
	PhasePullRequest      Phase = "PULL_REQUEST"
	PhaseCodeReview       Phase = "CODE_REVIEW"
	PhaseReviewResponse   Phase = "REVIEW_RESPONSE"
	PhaseFinalization     Phase = "FINALIZATION"
)

// Order is the canonical phase sequence. Phases execute in exactly
// this order, with no skips, reorders, or repeats.
var Order = []Phase{
	PhaseSetup,
	PhaseIssueCreation,
	PhaseBranchManagement,
	PhaseResearchPlanning,
	PhaseImplementation,
	PhaseTesting,
	PhaseDocumentation,
	PhasePullRequest,
	PhaseCodeReview,
	PhaseReviewResponse,
	PhaseFinalization,
}

var positions = func() map[Phase]int {
	m := make(map[Phase]int, len(Order))
	for i, p := range Order {
		m[p] = i
	}
	return m
}()

// Position returns the zero-based index of p in the canonical order,
// or -1 for an unknown phase.
func (p Phase) Position() int {
	pos, ok := positions[p]
	if !ok {
		return -1
	}
	return pos
}

// Valid reports whether p names a canonical phase.
func (p Phase) Valid() bool { return p.Position() >= 0 }

// ParsePhase converts a phase name to a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown workflow phase %q", s)
	}
	return p, nil
}
