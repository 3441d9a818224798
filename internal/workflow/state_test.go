package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrderAndPosition(t *testing.T) {
	require.Len(t, Order, 11)
	assert.Equal(t, 0, PhaseSetup.Position())
	assert.Equal(t, 7, PhasePullRequest.Position())
	assert.Equal(t, 8, PhaseCodeReview.Position())
	assert.Equal(t, 10, PhaseFinalization.Position())
	assert.Equal(t, -1, Phase("DEPLOY").Position())
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("CODE_REVIEW")
	require.NoError(t, err)
	assert.Equal(t, PhaseCodeReview, p)

	_, err = ParsePhase("code_review")
	assert.Error(t, err)
}

func TestCanExecutePhaseGaplessPrefix(t *testing.T) {
	st := NewState("t1")
	st.PhasesCompleted = []Phase{PhaseSetup, PhaseIssueCreation}

	assert.True(t, st.CanExecutePhase(PhaseBranchManagement))
	assert.False(t, st.CanExecutePhase(PhaseImplementation))
	assert.False(t, st.CanExecutePhase(PhaseSetup), "completed phases cannot re-enter")
	assert.False(t, st.CanExecutePhase(Phase("DEPLOY")))

	// repeated calls never change the answer
	for i := 0; i < 3; i++ {
		assert.True(t, st.CanExecutePhase(PhaseBranchManagement))
		assert.False(t, st.CanExecutePhase(PhaseImplementation))
	}
}

func TestCompletePhaseMonotonic(t *testing.T) {
	st := NewState("t1")

	require.Error(t, st.CompletePhase(PhaseIssueCreation), "skipping SETUP must be rejected")

	for _, p := range Order {
		require.NoError(t, st.CompletePhase(p))
	}
	assert.Equal(t, Order, st.PhasesCompleted)

	_, ok := st.NextPhase()
	assert.False(t, ok)
	require.Error(t, st.CompletePhase(PhaseFinalization), "no phase re-enters")
}

func TestNextPhase(t *testing.T) {
	st := NewState("t1")
	next, ok := st.NextPhase()
	require.True(t, ok)
	assert.Equal(t, PhaseSetup, next)

	require.NoError(t, st.CompletePhase(PhaseSetup))
	next, ok = st.NextPhase()
	require.True(t, ok)
	assert.Equal(t, PhaseIssueCreation, next)
}

func TestHasCompleted(t *testing.T) {
	st := NewState("t1")
	require.NoError(t, st.CompletePhase(PhaseSetup))
	assert.True(t, st.HasCompleted(PhaseSetup))
	assert.False(t, st.HasCompleted(PhaseIssueCreation))
}

func TestFailStampsEndTime(t *testing.T) {
	st := NewState("t1")
	st.Fail("boom")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "boom", st.ErrorMessage)
	require.NotNil(t, st.EndTime)
}
