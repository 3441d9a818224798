package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/registry"
	"github.com/gadugi/gadugi/internal/scheduler"
	"github.com/gadugi/gadugi/internal/workflow"
)

// fakeDriver scripts per-task behavior: fail n times, block until
// cancelled, or panic.
type fakeDriver struct {
	mu       sync.Mutex
	failures map[string]int
	block    map[string]bool
	panics   map[string]bool
	calls    map[string]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		failures: make(map[string]int),
		block:    make(map[string]bool),
		panics:   make(map[string]bool),
		calls:    make(map[string]int),
	}
}

func (d *fakeDriver) RunTask(ctx context.Context, task *scheduler.Task, sb *isolation.Sandbox) (*workflow.State, error) {
	d.mu.Lock()
	d.calls[task.ID]++
	shouldFail := d.failures[task.ID] > 0
	if shouldFail {
		d.failures[task.ID]--
	}
	shouldBlock := d.block[task.ID]
	shouldPanic := d.panics[task.ID]
	d.mu.Unlock()

	if shouldPanic {
		panic("driver exploded")
	}
	if shouldBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if shouldFail {
		return nil, fmt.Errorf("task %s refused", task.ID)
	}
	st := workflow.NewState(task.ID)
	st.IssueNumber = 7
	st.PRNumber = 42
	return st, nil
}

func (d *fakeDriver) callCount(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[taskID]
}

type fakeProvider struct {
	mu          sync.Mutex
	releases    map[string]int
	failAcquire bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{releases: make(map[string]int)}
}

func (p *fakeProvider) Acquire(ctx context.Context, taskID string) (*isolation.Sandbox, error) {
	if p.failAcquire {
		return nil, fmt.Errorf("no sandbox for %s", taskID)
	}
	return &isolation.Sandbox{TaskID: taskID, Kind: isolation.KindNone, Path: "/tmp", Created: true}, nil
}

func (p *fakeProvider) Release(ctx context.Context, sb *isolation.Sandbox) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases[sb.TaskID]++
	return nil
}

func (p *fakeProvider) releaseCount(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases[taskID]
}

func task(id string) *scheduler.Task {
	return &scheduler.Task{ID: id, Name: id}
}

func testExecutor(t *testing.T, driver Driver, provider isolation.Provider, cfg Config) (*Executor, *registry.Registry) {
	t.Helper()
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"), zap.NewNop())
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 4
	}
	cfg.RetryBackoff = time.Millisecond
	return New(driver, provider, reg, nil, NewMetrics(nil), zap.NewNop(), cfg), reg
}

func TestParallelBatchCompletes(t *testing.T) {
	driver := newFakeDriver()
	provider := newFakeProvider()
	e, reg := testExecutor(t, driver, provider, Config{})

	tasks := []*scheduler.Task{task("a"), task("b"), task("c")}
	results, err := e.ExecuteBatch(context.Background(), tasks, ModeParallel)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		assert.Equal(t, tasks[i].ID, res.TaskID, "results keep input order")
		assert.Equal(t, registry.StatusCompleted, res.Status)
		assert.Equal(t, 42, res.PRNumber)
		assert.Equal(t, 1, res.Attempts)
	}
	assert.Empty(t, reg.List(), "registry entries cleared on release")
}

func TestPanicBecomesFailedResultNotCrash(t *testing.T) {
	driver := newFakeDriver()
	driver.panics["bad"] = true
	provider := newFakeProvider()
	e, _ := testExecutor(t, driver, provider, Config{MaxRetries: 0})

	results, err := e.ExecuteBatch(context.Background(),
		[]*scheduler.Task{task("good-1"), task("bad"), task("good-2")}, ModeParallel)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, registry.StatusCompleted, results[0].Status)
	assert.Equal(t, registry.StatusFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "panic")
	assert.Equal(t, registry.StatusCompleted, results[2].Status, "siblings unaffected by the crash")
}

func TestPanicCountsOnceInMetrics(t *testing.T) {
	driver := newFakeDriver()
	driver.panics["bad"] = true
	provider := newFakeProvider()
	e, reg := testExecutor(t, driver, provider, Config{MaxRetries: 0})

	results, err := e.ExecuteBatch(context.Background(),
		[]*scheduler.Task{task("bad")}, ModeParallel)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, registry.StatusFailed, results[0].Status)
	assert.Equal(t, 1, results[0].Attempts)

	snap := e.Metrics()
	assert.Equal(t, int64(1), snap.Executed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Zero(t, snap.Succeeded)

	assert.Equal(t, 1, provider.releaseCount("bad"), "sandbox released despite the crash")
	assert.Empty(t, reg.List())
}

func TestTimeoutIsDistinctFromFailed(t *testing.T) {
	driver := newFakeDriver()
	driver.block["slow"] = true
	provider := newFakeProvider()
	e, _ := testExecutor(t, driver, provider, Config{MaxRetries: 3})

	slow := task("slow")
	slow.Timeout = 50 * time.Millisecond
	results, err := e.ExecuteBatch(context.Background(), []*scheduler.Task{slow}, ModeParallel)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, registry.StatusTimeout, results[0].Status)
	assert.Equal(t, 1, results[0].Attempts, "timeouts are never retried")
	assert.Equal(t, 1, driver.callCount("slow"))
}

func TestRetriesApplyOnlyToFailed(t *testing.T) {
	driver := newFakeDriver()
	driver.failures["flaky"] = 2
	provider := newFakeProvider()
	e, _ := testExecutor(t, driver, provider, Config{MaxRetries: 3})

	results, err := e.ExecuteBatch(context.Background(), []*scheduler.Task{task("flaky")}, ModeSequential)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, registry.StatusCompleted, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestSequentialStopsAfterExhaustedRetries(t *testing.T) {
	driver := newFakeDriver()
	driver.failures["doomed"] = 100
	provider := newFakeProvider()
	e, _ := testExecutor(t, driver, provider, Config{MaxRetries: 1})

	results, err := e.ExecuteBatch(context.Background(),
		[]*scheduler.Task{task("doomed"), task("never-runs")}, ModeSequential)
	require.NoError(t, err)
	require.Len(t, results, 1, "batch stops at the exhausted task")
	assert.Equal(t, registry.StatusFailed, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Zero(t, driver.callCount("never-runs"))
}

func TestReleaseIsUnconditional(t *testing.T) {
	driver := newFakeDriver()
	driver.failures["fails"] = 100
	driver.block["times-out"] = true
	driver.panics["panics"] = true
	provider := newFakeProvider()
	e, reg := testExecutor(t, driver, provider, Config{MaxRetries: 0})

	timesOut := task("times-out")
	timesOut.Timeout = 20 * time.Millisecond
	tasks := []*scheduler.Task{task("succeeds"), task("fails"), timesOut}
	_, err := e.ExecuteBatch(context.Background(), tasks, ModeParallel)
	require.NoError(t, err)

	for _, id := range []string{"succeeds", "fails", "times-out"} {
		assert.Equal(t, 1, provider.releaseCount(id), "sandbox for %s released exactly once", id)
		_, ok := reg.Get(id)
		assert.False(t, ok, "registry entry for %s removed", id)
	}
}

func TestCancelIsImmediateAndFinal(t *testing.T) {
	driver := newFakeDriver()
	driver.block["held"] = true
	provider := newFakeProvider()
	e, reg := testExecutor(t, driver, provider, Config{MaxRetries: 3})

	done := make(chan []ExecutionResult, 1)
	go func() {
		results, _ := e.ExecuteBatch(context.Background(), []*scheduler.Task{task("held")}, ModeParallel)
		done <- results
	}()

	require.Eventually(t, func() bool { return e.Cancel("held") }, time.Second, 5*time.Millisecond)

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.Equal(t, registry.StatusCancelled, results[0].Status)
		assert.Equal(t, 1, results[0].Attempts, "cancellations are never retried")
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not stop the task")
	}
	assert.Equal(t, 1, provider.releaseCount("held"))
	assert.Empty(t, reg.List())
}

func TestCancelUnknownTask(t *testing.T) {
	e, _ := testExecutor(t, newFakeDriver(), newFakeProvider(), Config{})
	assert.False(t, e.Cancel("ghost"))
}

func TestAcquireFailureFailsTask(t *testing.T) {
	provider := newFakeProvider()
	provider.failAcquire = true
	e, reg := testExecutor(t, newFakeDriver(), provider, Config{MaxRetries: 0})

	results, err := e.ExecuteBatch(context.Background(), []*scheduler.Task{task("t")}, ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "isolation acquisition")
	assert.Empty(t, reg.List())
}

func TestMetricsTrackOutcomes(t *testing.T) {
	driver := newFakeDriver()
	driver.failures["bad"] = 100
	e, _ := testExecutor(t, driver, newFakeProvider(), Config{MaxRetries: 0})

	_, err := e.ExecuteBatch(context.Background(),
		[]*scheduler.Task{task("ok-1"), task("ok-2"), task("ok-3"), task("bad")}, ModeParallel)
	require.NoError(t, err)

	snap := e.Metrics()
	assert.Equal(t, int64(4), snap.Executed)
	assert.Equal(t, int64(3), snap.Succeeded)
	assert.Equal(t, int64(1), snap.Failed)
	assert.InDelta(t, 0.75, snap.SuccessRate, 0.001)
}

func TestUnknownMode(t *testing.T) {
	e, _ := testExecutor(t, newFakeDriver(), newFakeProvider(), Config{})
	_, err := e.ExecuteBatch(context.Background(), nil, Mode("turbo"))
	assert.Error(t, err)
}

// concurrencyDriver records the peak number of simultaneous RunTask
// calls.
type concurrencyDriver struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (d *concurrencyDriver) RunTask(ctx context.Context, task *scheduler.Task, sb *isolation.Sandbox) (*workflow.State, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return workflow.NewState(task.ID), nil
}

func TestOverlappingTargetFilesSerialize(t *testing.T) {
	driver := &concurrencyDriver{}
	e, _ := testExecutor(t, driver, newFakeProvider(), Config{MaxWorkers: 4})

	shared := func(id string) *scheduler.Task {
		return &scheduler.Task{ID: id, Name: id, TargetFiles: []string{"pkg/auth/auth.go"}}
	}
	results, err := e.ExecuteBatch(context.Background(),
		[]*scheduler.Task{shared("t1"), shared("t2"), shared("t3")}, ModeParallel)
	require.NoError(t, err)

	for _, r := range results {
		assert.Equal(t, registry.StatusCompleted, r.Status)
	}
	assert.Equal(t, int32(1), driver.peak.Load())
}

func TestDisjointTargetFilesRunConcurrently(t *testing.T) {
	driver := &concurrencyDriver{}
	e, _ := testExecutor(t, driver, newFakeProvider(), Config{MaxWorkers: 4})

	own := func(id string) *scheduler.Task {
		return &scheduler.Task{ID: id, Name: id, TargetFiles: []string{"pkg/" + id + ".go"}}
	}
	_, err := e.ExecuteBatch(context.Background(),
		[]*scheduler.Task{own("t1"), own("t2"), own("t3")}, ModeParallel)
	require.NoError(t, err)

	assert.Greater(t, driver.peak.Load(), int32(1))
}
