package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/gitops"
)

// Validator cross-checks recorded workflow state against what the
// issue/PR host actually shows. CODE_REVIEW must leave a review on the
// PR: a workflow claiming the phase done while the PR carries none is
// a critical violation that gets corrected, not accepted.
type Validator struct {
	git       gitops.Client
	threshold time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewValidator creates a validator. The threshold is the age past
// which an unreviewed PR counts as orphaned.
func NewValidator(git gitops.Client, threshold time.Duration, log *zap.Logger) *Validator {
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &Validator{git: git, threshold: threshold, log: log, now: time.Now}
}

// CheckConsistency returns a ConsistencyViolation when the state says
// CODE_REVIEW completed but the PR has no review.
func (v *Validator) CheckConsistency(ctx context.Context, st *State) error {
	if !st.HasCompleted(PhaseCodeReview) || st.PRNumber == 0 {
		return nil
	}
	reviews, err := v.git.GetPRReviews(ctx, st.PRNumber)
	if err != nil {
		return fmt.Errorf("fetching reviews for PR #%d: %w", st.PRNumber, err)
	}
	if len(reviews) == 0 {
		return &ConsistencyViolation{
			TaskID:   st.TaskID,
			PRNumber: st.PRNumber,
			Detail:   "CODE_REVIEW recorded complete but the pull request carries no review",
		}
	}
	return nil
}

// FindOrphanedPRs scans open pull requests for ones this system
// created that have aged past the threshold with no review attached.
// Each needs CODE_REVIEW re-driven.
func (v *Validator) FindOrphanedPRs(ctx context.Context) ([]gitops.PullRequest, error) {
	prs, err := v.git.ListOpenPRs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open pull requests: %w", err)
	}

	var orphaned []gitops.PullRequest
	for _, pr := range prs {
		if !pr.Managed() {
			continue
		}
		if v.now().Sub(pr.CreatedAt) < v.threshold {
			continue
		}
		reviews, err := v.git.GetPRReviews(ctx, pr.Number)
		if err != nil {
			v.log.Warn("orphan scan skipping PR", zap.Int("pr", pr.Number), zap.Error(err))
			continue
		}
		if len(reviews) == 0 {
			orphaned = append(orphaned, pr)
		}
	}
	return orphaned, nil
}

// Repair re-executes CODE_REVIEW's side effect for a workflow flagged
// by CheckConsistency. The completed prefix is not rewound: the phase
// is recorded, only its external effect is missing, so the executor
// runs again and the result is re-verified.
func (v *Validator) Repair(ctx context.Context, st *State, review ExecutorFunc) error {
	if review == nil {
		return fmt.Errorf("no code review executor to repair task %s", st.TaskID)
	}
	v.log.Warn("re-driving code review",
		zap.String("task_id", st.TaskID), zap.Int("pr", st.PRNumber))
	if err := review(ctx, st); err != nil {
		return fmt.Errorf("re-driving code review for task %s: %w", st.TaskID, err)
	}
	return v.CheckConsistency(ctx, st)
}
