package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/agent"
	"github.com/gadugi/gadugi/internal/events"
	"github.com/gadugi/gadugi/internal/executor"
	"github.com/gadugi/gadugi/internal/gitops"
	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/persistence"
	"github.com/gadugi/gadugi/internal/registry"
	"github.com/gadugi/gadugi/internal/scheduler"
	"github.com/gadugi/gadugi/internal/workflow"
)

type scriptedInvoker struct {
	mu     sync.Mutex
	calls  []string
	failOn string // prompt file prefix that fails
}

func (f *scriptedInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	base := filepath.Base(req.PromptFile)
	f.calls = append(f.calls, base)
	fail := f.failOn != "" && strings.HasPrefix(base, f.failOn)
	f.mu.Unlock()
	if fail {
		return &agent.Result{ExitCode: 1, Stderr: "agent crashed"}, fmt.Errorf("agent crashed")
	}
	return &agent.Result{}, nil
}

func (f *scriptedInvoker) callsFor(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, taskID+"-") {
			n++
		}
	}
	return n
}

type harness struct {
	orch        *Orchestrator
	invoker     *scriptedInvoker
	git         *gitops.Fake
	checkpoints *workflow.CheckpointStore
	history     *persistence.SQLiteStore
	reg         *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	log := zap.NewNop()

	inv := &scriptedInvoker{}
	git := gitops.NewFake()
	reg := registry.New(filepath.Join(dir, "registry.json"), log)
	checkpoints, err := workflow.NewCheckpointStore(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	history, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	driver := NewWorkflowDriver(inv, git, checkpoints, reg, bus, log, "main", 0)
	exec := executor.New(driver, &isolation.NoneProvider{RepoPath: dir}, reg, bus, nil, log,
		executor.Config{MaxWorkers: 4, MaxRetries: 0, RetryBackoff: time.Millisecond})
	validator := workflow.NewValidator(git, 5*time.Minute, log)

	orch := New(scheduler.NewResolver(), exec, driver, validator, checkpoints, history, reg, nil, bus, log)
	return &harness{orch: orch, invoker: inv, git: git, checkpoints: checkpoints, history: history, reg: reg}
}

func taskSet(t *testing.T, tasks ...*scheduler.Task) *scheduler.TaskSet {
	t.Helper()
	ts := scheduler.NewTaskSet()
	for _, task := range tasks {
		require.NoError(t, ts.Add(task))
	}
	return ts
}

func TestRunDiamondBatch(t *testing.T) {
	h := newHarness(t)
	ts := taskSet(t,
		&scheduler.Task{ID: "a", Name: "a"},
		&scheduler.Task{ID: "b", Name: "b", Dependencies: []string{"a"}},
		&scheduler.Task{ID: "c", Name: "c", Dependencies: []string{"a"}},
	)

	res, err := h.orch.Run(context.Background(), ts, executor.ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Len(t, h.git.PRs, 3, "one PR per task")
	assert.Len(t, h.git.Issues, 3)

	// every PR ends up with a review
	for pr := range h.git.PRs {
		reviews, err := h.git.GetPRReviews(context.Background(), pr)
		require.NoError(t, err)
		assert.NotEmpty(t, reviews, "PR #%d must carry a review", pr)
	}

	// history recorded the run and all three outcomes
	runs, err := h.history.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	recs, err := h.history.ListTaskResults(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// checkpoints hold terminal state for resume inspection
	st, err := h.checkpoints.Load("b")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, st.Status)

	assert.Empty(t, h.reg.List(), "registry cleared after the batch")
}

func TestRunRecordsPhaseTimeline(t *testing.T) {
	h := newHarness(t)
	ts := taskSet(t, &scheduler.Task{ID: "solo", Name: "solo"})

	res, err := h.orch.Run(context.Background(), ts, executor.ModeParallel)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	phases, err := h.history.ListPhases(context.Background(), res.RunID, "solo")
	require.NoError(t, err)
	require.Len(t, phases, len(workflow.Order), "one record per completed phase")
	for i, rec := range phases {
		assert.Equal(t, string(workflow.Order[i]), rec.Phase)
		assert.Equal(t, res.RunID, rec.RunID)
		assert.Equal(t, "solo", rec.TaskID)
		assert.False(t, rec.CompletedAt.IsZero())
	}
}

func TestRunAbortsOnCycleBeforeAnyExecution(t *testing.T) {
	h := newHarness(t)
	ts := taskSet(t,
		&scheduler.Task{ID: "x", Name: "x", Dependencies: []string{"y"}},
		&scheduler.Task{ID: "y", Name: "y", Dependencies: []string{"x"}},
	)

	_, err := h.orch.Run(context.Background(), ts, executor.ModeParallel)
	var cerr *scheduler.CircularDependencyError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, h.invoker.calls, "no task may start on an invalid plan")
	assert.Empty(t, h.git.Issues)
}

func TestDependencyFailureSettlesDependents(t *testing.T) {
	h := newHarness(t)
	h.invoker.failOn = "a-"
	ts := taskSet(t,
		&scheduler.Task{ID: "a", Name: "a"},
		&scheduler.Task{ID: "b", Name: "b", Dependencies: []string{"a"}},
		&scheduler.Task{ID: "c", Name: "c", Dependencies: []string{"a"}},
	)

	res, err := h.orch.Run(context.Background(), ts, executor.ModeParallel)
	require.NoError(t, err, "execution failures settle, they do not abort")
	assert.Equal(t, 3, res.Total)
	assert.Zero(t, res.Succeeded)
	assert.Equal(t, 3, res.Failed)

	byID := make(map[string]executor.ExecutionResult)
	for _, r := range res.Results {
		byID[r.TaskID] = r
	}
	assert.Equal(t, registry.StatusFailed, byID["a"].Status)
	assert.Contains(t, byID["b"].Error, "dependency a did not complete")
	assert.Contains(t, byID["c"].Error, "dependency a did not complete")
	assert.Zero(t, h.invoker.callsFor("b"), "settled tasks never reach the agent")
}

func TestDependencyFailurePropagatesDownChain(t *testing.T) {
	h := newHarness(t)
	h.invoker.failOn = "a-"
	ts := taskSet(t,
		&scheduler.Task{ID: "a", Name: "a"},
		&scheduler.Task{ID: "b", Name: "b", Dependencies: []string{"a"}},
		&scheduler.Task{ID: "c", Name: "c", Dependencies: []string{"b"}},
		&scheduler.Task{ID: "d", Name: "d", Dependencies: []string{"c"}},
	)

	res, err := h.orch.Run(context.Background(), ts, executor.ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 4, res.Failed)

	byID := make(map[string]executor.ExecutionResult)
	for _, r := range res.Results {
		byID[r.TaskID] = r
	}
	assert.Contains(t, byID["b"].Error, "dependency a did not complete")
	assert.Contains(t, byID["c"].Error, "dependency b did not complete")
	assert.Contains(t, byID["d"].Error, "dependency c did not complete")
	for _, id := range []string{"b", "c", "d"} {
		assert.Zero(t, h.invoker.callsFor(id), "task %s must never reach the agent", id)
	}
}

func TestPlanExecutesNothing(t *testing.T) {
	h := newHarness(t)
	ts := taskSet(t,
		&scheduler.Task{ID: "a", Name: "a"},
		&scheduler.Task{ID: "b", Name: "b", Dependencies: []string{"a"}},
		&scheduler.Task{ID: "c", Name: "c", Dependencies: []string{"a"}},
	)

	plan, err := h.orch.Plan(ts)
	require.NoError(t, err)
	require.Len(t, plan.Levels, 2)
	assert.Equal(t, []string{"a"}, plan.Levels[0].TaskIDs)
	assert.Equal(t, []string{"b", "c"}, plan.Levels[1].TaskIDs)
	assert.Empty(t, h.invoker.calls)
}

func TestResumeSkipsCompletedTask(t *testing.T) {
	h := newHarness(t)

	done := workflow.NewState("a")
	for _, p := range workflow.Order {
		require.NoError(t, done.CompletePhase(p))
	}
	done.Finish()
	require.NoError(t, h.checkpoints.Save(done))

	ts := taskSet(t,
		&scheduler.Task{ID: "a", Name: "a"},
		&scheduler.Task{ID: "b", Name: "b", Dependencies: []string{"a"}},
	)
	res, err := h.orch.Run(context.Background(), ts, executor.ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, h.invoker.callsFor("a"), "completed work is not re-run")
	assert.NotZero(t, h.invoker.callsFor("b"))
}

func TestRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	pr, err := h.git.CreatePR(ctx, "stale", "body", "main", "gadugi/task-a")
	require.NoError(t, err)
	h.git.AgePR(pr, 10*time.Minute)

	st := workflow.NewState("a")
	for _, p := range workflow.Order[:9] { // through CODE_REVIEW
		require.NoError(t, st.CompletePhase(p))
	}
	st.PRNumber = pr
	require.NoError(t, h.checkpoints.Save(st))

	repaired, err := h.orch.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	reviews, err := h.git.GetPRReviews(ctx, pr)
	require.NoError(t, err)
	assert.NotEmpty(t, reviews)
}

func TestHeartbeatMonitorPublishesStaleTasks(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "registry.json"), zap.NewNop(),
		registry.WithHeartbeatTimeout(time.Millisecond),
		registry.WithLivenessProbe(func(pid int) bool { return false }))
	require.NoError(t, reg.Register(&registry.ProcessInfo{
		TaskID:        "dead",
		Status:        registry.StatusRunning,
		PID:           12345,
		LastHeartbeat: time.Now().Add(-time.Minute),
	}))

	failed := reg.UpdateHeartbeats()
	assert.Equal(t, []string{"dead"}, failed)
}
