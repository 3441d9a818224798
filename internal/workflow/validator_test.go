package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/gitops"
)

func reviewedState(prNumber int) *State {
	st := NewState("t1")
	st.PhasesCompleted = append([]Phase(nil), Order[:9]...) // through CODE_REVIEW
	st.PRNumber = prNumber
	return st
}

func TestCheckConsistencyFlagsMissingReview(t *testing.T) {
	git := gitops.NewFake()
	pr, err := git.CreatePR(context.Background(), "t", "b", "main", "gadugi/task-t1")
	require.NoError(t, err)

	v := NewValidator(git, 5*time.Minute, zap.NewNop())
	err = v.CheckConsistency(context.Background(), reviewedState(pr))

	var cv *ConsistencyViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, pr, cv.PRNumber)
}

func TestCheckConsistencyPassesWithReview(t *testing.T) {
	git := gitops.NewFake()
	pr, err := git.CreatePR(context.Background(), "t", "b", "main", "gadugi/task-t1")
	require.NoError(t, err)
	require.NoError(t, git.PostReview(context.Background(), pr, "APPROVED", "lgtm"))

	v := NewValidator(git, 5*time.Minute, zap.NewNop())
	assert.NoError(t, v.CheckConsistency(context.Background(), reviewedState(pr)))
}

func TestCheckConsistencyIgnoresEarlyWorkflows(t *testing.T) {
	v := NewValidator(gitops.NewFake(), 5*time.Minute, zap.NewNop())
	st := NewState("t1")
	st.PhasesCompleted = append([]Phase(nil), Order[:5]...)
	assert.NoError(t, v.CheckConsistency(context.Background(), st))
}

func TestFindOrphanedPRs(t *testing.T) {
	ctx := context.Background()
	git := gitops.NewFake()
	v := NewValidator(git, 5*time.Minute, zap.NewNop())

	stale, err := git.CreatePR(ctx, "stale", "b", "main", "gadugi/task-a")
	require.NoError(t, err)
	git.AgePR(stale, 10*time.Minute)

	fresh, err := git.CreatePR(ctx, "fresh", "b", "main", "gadugi/task-b")
	require.NoError(t, err)

	reviewed, err := git.CreatePR(ctx, "reviewed", "b", "main", "gadugi/task-c")
	require.NoError(t, err)
	git.AgePR(reviewed, 10*time.Minute)
	require.NoError(t, git.PostReview(ctx, reviewed, "APPROVED", "lgtm"))

	// a PR opened by someone else, regardless of age
	git.PRs[900] = gitops.PullRequest{
		Number:    900,
		Title:     "unrelated",
		Body:      "no marker here",
		CreatedAt: time.Now().Add(-time.Hour),
	}

	orphaned, err := v.FindOrphanedPRs(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, stale, orphaned[0].Number)
	_ = fresh
}

func TestRepairReDrivesCodeReview(t *testing.T) {
	ctx := context.Background()
	git := gitops.NewFake()
	pr, err := git.CreatePR(ctx, "t", "b", "main", "gadugi/task-t1")
	require.NoError(t, err)

	st := reviewedState(pr)
	v := NewValidator(git, 5*time.Minute, zap.NewNop())
	require.Error(t, v.CheckConsistency(ctx, st))

	review := func(ctx context.Context, st *State) error {
		return git.PostReview(ctx, st.PRNumber, "COMMENT", "re-driven review")
	}
	require.NoError(t, v.Repair(ctx, st, review))
	assert.NoError(t, v.CheckConsistency(ctx, st))

	// the completed prefix never shrank
	assert.Equal(t, Order[:9], st.PhasesCompleted)
}
