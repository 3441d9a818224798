package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/agent"
	"github.com/gadugi/gadugi/internal/events"
	"github.com/gadugi/gadugi/internal/gitops"
	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/scheduler"
)

// fakeInvoker records prompt files and can be told to fail on a
// particular phase's prompt.
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []string
	failOn string
	result agent.Result
}

func (f *fakeInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := filepath.Base(req.PromptFile)
	f.calls = append(f.calls, base)
	if f.failOn != "" && strings.Contains(base, f.failOn) {
		return &agent.Result{ExitCode: 1, Stderr: "agent crashed"}, fmt.Errorf("agent crashed")
	}
	res := f.result
	res.ExitCode = 0
	return &res, nil
}

func (f *fakeInvoker) promptFiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testTask() *scheduler.Task {
	return &scheduler.Task{
		ID:          "build-api",
		Name:        "Build the API",
		Description: "Add the v2 endpoints.",
		TargetFiles: []string{"api/server.go"},
	}
}

func testMachine(t *testing.T, inv agent.Invoker, git gitops.Client, st *State) (*Machine, *CheckpointStore, *isolation.Sandbox) {
	t.Helper()
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	sb := &isolation.Sandbox{
		TaskID:  "build-api",
		Kind:    isolation.KindWorktree,
		Path:    t.TempDir(),
		Branch:  "gadugi/task-build-api",
		Created: true,
	}
	deps := Deps{Invoker: inv, Git: git, Log: zap.NewNop(), BaseBranch: "main"}
	execs := StandardExecutors(deps, testTask(), sb)
	return NewMachine(st, execs, store, nil, zap.NewNop()), store, sb
}

func TestMachineRunsAllPhases(t *testing.T) {
	inv := &fakeInvoker{}
	git := gitops.NewFake()
	st := NewState("build-api")
	m, store, sb := testMachine(t, inv, git, st)

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, Order, st.PhasesCompleted)
	require.NotNil(t, st.EndTime)

	assert.NotZero(t, st.IssueNumber)
	assert.NotZero(t, st.PRNumber)
	assert.Equal(t, sb.Branch, st.BranchName)

	// the review phase must leave an actual review on the PR
	reviews, err := git.GetPRReviews(context.Background(), st.PRNumber)
	require.NoError(t, err)
	assert.NotEmpty(t, reviews)

	// six agent-driven phases
	assert.Len(t, inv.promptFiles(), 6)

	// final checkpoint reflects the terminal state
	loaded, err := store.Load("build-api")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
}

func TestMachinePhaseFailureStopsRun(t *testing.T) {
	inv := &fakeInvoker{failOn: "testing"}
	git := gitops.NewFake()
	st := NewState("build-api")
	m, store, _ := testMachine(t, inv, git, st)

	err := m.Run(context.Background())
	require.Error(t, err)

	var perr *PhaseExecutionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhaseTesting, perr.Phase)

	assert.Equal(t, StatusFailed, st.Status)
	assert.NotContains(t, st.PhasesCompleted, PhaseTesting)
	assert.Empty(t, git.PRs, "later phases must not run")

	loaded, err := store.Load("build-api")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.NotEmpty(t, loaded.ErrorMessage)
}

func TestMachineResumesFromCheckpoint(t *testing.T) {
	inv := &fakeInvoker{}
	git := gitops.NewFake()

	st := NewState("build-api")
	st.PhasesCompleted = append([]Phase(nil), Order[:7]...) // through DOCUMENTATION
	st.BranchName = "gadugi/task-build-api"
	st.IssueNumber = 7

	m, _, _ := testMachine(t, inv, git, st)
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, StatusCompleted, st.Status)
	// only the review phases reach the agent on resume
	calls := inv.promptFiles()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "code_review")
	assert.Contains(t, calls[1], "review_response")
}

func TestMachineCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := NewState("build-api")
	m, _, _ := testMachine(t, &fakeInvoker{}, gitops.NewFake(), st)

	err := m.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, st.Status)
}

func TestMachinePublishesPhaseEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicPhase, 64)

	st := NewState("build-api")
	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	m := NewMachine(st, nil, store, bus, zap.NewNop())
	require.NoError(t, m.Run(context.Background()))

	var started, completed int
	for len(ch) > 0 {
		ev := <-ch
		switch ev.EventType() {
		case events.EventTypePhaseStarted:
			started++
		case events.EventTypePhaseCompleted:
			completed++
		}
	}
	assert.Equal(t, len(Order), started)
	assert.Equal(t, len(Order), completed)
}

func TestPullRequestPhaseIsIdempotent(t *testing.T) {
	git := gitops.NewFake()
	sb := &isolation.Sandbox{TaskID: "t1", Path: t.TempDir(), Branch: "gadugi/task-t1", Created: true}
	execs := StandardExecutors(Deps{Invoker: &fakeInvoker{}, Git: git, Log: zap.NewNop(), BaseBranch: "main"}, testTask(), sb)

	st := NewState("t1")
	st.BranchName = sb.Branch
	st.PRNumber = 777
	require.NoError(t, execs[PhasePullRequest](context.Background(), st))
	assert.Empty(t, git.PRs, "no second PR for a resumed workflow")
}

func TestRunAgentAbsorbsMarkers(t *testing.T) {
	inv := &fakeInvoker{result: agent.Result{IssueNumber: 88, PRNumber: 99}}
	d := Deps{Invoker: inv, Git: gitops.NewFake(), Log: zap.NewNop()}
	sb := &isolation.Sandbox{TaskID: "t1", Path: t.TempDir(), Created: true}

	st := NewState("t1")
	_, err := d.runAgent(context.Background(), st, testTask(), sb, PhaseImplementation, "do it")
	require.NoError(t, err)
	assert.Equal(t, 88, st.IssueNumber)
	assert.Equal(t, 99, st.PRNumber)

	// markers never overwrite numbers already recorded
	inv2 := &fakeInvoker{result: agent.Result{IssueNumber: 1, PRNumber: 2}}
	d.Invoker = inv2
	_, err = d.runAgent(context.Background(), st, testTask(), sb, PhaseTesting, "do it")
	require.NoError(t, err)
	assert.Equal(t, 88, st.IssueNumber)
	assert.Equal(t, 99, st.PRNumber)
}
