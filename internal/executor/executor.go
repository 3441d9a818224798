package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gadugi/gadugi/internal/events"
	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/registry"
	"github.com/gadugi/gadugi/internal/scheduler"
	"github.com/gadugi/gadugi/internal/workflow"
)

// Driver runs one task's full workflow inside its sandbox. This is
// the single delegation point between scheduling and the state
// machine.
type Driver interface {
	RunTask(ctx context.Context, task *scheduler.Task, sb *isolation.Sandbox) (*workflow.State, error)
}

// Config bounds the executor.
type Config struct {
	MaxWorkers   int
	TaskTimeout  time.Duration // applied when a task declares none
	MaxRetries   int           // retry budget for FAILED outcomes
	RetryBackoff time.Duration // initial backoff between attempts
}

// Executor runs task batches. Exceptions inside one task never abort
// its siblings; they surface as failed results.
type Executor struct {
	driver   Driver
	provider isolation.Provider
	reg      *registry.Registry
	bus      *events.Bus
	metrics  *Metrics
	breaker  *gobreaker.CircuitBreaker
	locks    *scheduler.TargetLockManager
	log      *zap.Logger
	cfg      Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an executor. The breaker trips after sustained driver
// failures so a dead collaborator fails the rest of the batch fast.
func New(driver Driver, provider isolation.Provider, reg *registry.Registry, bus *events.Bus, metrics *Metrics, log *zap.Logger, cfg Config) *Executor {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Executor{
		driver:   driver,
		provider: provider,
		reg:      reg,
		bus:      bus,
		metrics:  metrics,
		locks:    scheduler.NewTargetLockManager(),
		log:      log,
		cfg:      cfg,
		cancels:  make(map[string]context.CancelFunc),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "workflow-driver",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Metrics exposes the running totals.
func (e *Executor) Metrics() MetricsSnapshot { return e.metrics.Snapshot() }

// ExecuteBatch runs tasks in the given mode and returns one result
// per executed task. Sequential mode stops at the first task that
// fails after exhausting its retry budget; parallel mode always runs
// the whole batch.
func (e *Executor) ExecuteBatch(ctx context.Context, tasks []*scheduler.Task, mode Mode) ([]ExecutionResult, error) {
	switch mode {
	case ModeSequential, "":
		return e.executeSequential(ctx, tasks), nil
	case ModeParallel:
		return e.executeParallel(ctx, tasks), nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
}

func (e *Executor) executeSequential(ctx context.Context, tasks []*scheduler.Task) []ExecutionResult {
	var results []ExecutionResult
	for _, task := range tasks {
		res := e.executeWithRetry(ctx, task)
		results = append(results, res)
		if res.Status == registry.StatusFailed {
			e.log.Warn("stopping batch after exhausted retries", zap.String("task_id", task.ID))
			break
		}
	}
	return results
}

func (e *Executor) executeParallel(ctx context.Context, tasks []*scheduler.Task) []ExecutionResult {
	results := make([]ExecutionResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxWorkers)

	for i, task := range tasks {
		g.Go(func() error {
			// Backstop only: executeOne recovers driver panics and
			// settles them as FAILED with normal accounting. A panic
			// reaching here came from outside a task execution and
			// has already escaped the metrics path.
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("worker panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
					results[i] = ExecutionResult{
						TaskID:   task.ID,
						Status:   registry.StatusFailed,
						Error:    fmt.Sprintf("panic: %v", r),
						Attempts: 1,
					}
				}
			}()
			results[i] = e.executeWithRetry(gctx, task)
			return nil
		})
	}
	// workers never return errors; crashes become failed results
	_ = g.Wait()
	return results
}

// executeWithRetry retries FAILED outcomes with exponential backoff.
// TIMEOUT and CANCELLED are terminal on first occurrence. Tasks that
// declare overlapping target files serialize here, even when the
// dependency graph put them in the same parallel level.
func (e *Executor) executeWithRetry(ctx context.Context, task *scheduler.Task) ExecutionResult {
	if len(task.TargetFiles) > 0 {
		e.locks.LockAll(task.TargetFiles)
		defer e.locks.UnlockAll(task.TargetFiles)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBackoff

	var res ExecutionResult
	for attempt := 1; ; attempt++ {
		res = e.executeOne(ctx, task)
		res.Attempts = attempt
		if res.Status != registry.StatusFailed || attempt > e.cfg.MaxRetries {
			break
		}
		wait := bo.NextBackOff()
		e.log.Info("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			res.Status = registry.StatusCancelled
			res.Error = ctx.Err().Error()
			return res
		}
	}
	return res
}

// executeOne acquires isolation, drives the workflow once, and
// guarantees release and registry cleanup on every exit path.
func (e *Executor) executeOne(ctx context.Context, task *scheduler.Task) (res ExecutionResult) {
	start := time.Now()
	res = ExecutionResult{TaskID: task.ID}
	defer func() {
		res.Duration = time.Since(start)
		e.metrics.record(res.Succeeded())
		e.publishOutcome(task, res)
	}()
	// Recovery runs before the accounting deferral above, so a driver
	// panic settles into exactly one FAILED result and one metrics
	// sample. Cleanup deferrals registered below still run first, so
	// the sandbox and registry entry are already gone by this point.
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
			res.Status = registry.StatusFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := e.reg.Register(&registry.ProcessInfo{TaskID: task.ID, Status: registry.StatusQueued}); err != nil {
		res.Status = registry.StatusFailed
		res.Error = err.Error()
		return res
	}

	sb, err := e.provider.Acquire(ctx, task.ID)
	if err != nil {
		res.Status = registry.StatusFailed
		res.Error = fmt.Sprintf("isolation acquisition: %v", err)
		e.reg.UpdateStatus(task.ID, registry.StatusFailed, 0, res.Error)
		e.reg.Remove(task.ID)
		return res
	}
	// Release is unconditional: success, failure, timeout, or panic,
	// the sandbox goes away and the registry entry with it.
	defer func() {
		if rerr := e.provider.Release(context.WithoutCancel(ctx), sb); rerr != nil {
			e.log.Warn("sandbox release failed", zap.String("task_id", task.ID), zap.Error(rerr))
		}
		e.reg.Remove(task.ID)
	}()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}
	taskCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	e.trackCancel(task.ID, cancel)
	defer e.untrackCancel(task.ID)

	e.reg.UpdateStatus(task.ID, registry.StatusRunning, 0, "")
	e.publish(events.TopicTask, events.TaskStarted{ID: task.ID, Name: task.Name, Timestamp: time.Now()})

	out, err := e.breaker.Execute(func() (any, error) {
		return e.driver.RunTask(taskCtx, task, sb)
	})
	st, _ := out.(*workflow.State)
	if st != nil {
		res.IssueNumber = st.IssueNumber
		res.PRNumber = st.PRNumber
		res.Phase = st.CurrentPhase
	}

	switch {
	case err == nil:
		res.Status = registry.StatusCompleted
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		res.Status = registry.StatusTimeout
		res.Error = fmt.Sprintf("task exceeded %s budget", timeout)
	case errors.Is(err, context.Canceled) || errors.Is(taskCtx.Err(), context.Canceled):
		res.Status = registry.StatusCancelled
		res.Error = "cancelled"
	default:
		res.Status = registry.StatusFailed
		res.Error = err.Error()
	}

	e.reg.UpdateStatus(task.ID, res.Status, 0, res.Error)
	return res
}

// Cancel terminates a running task immediately. The task's context is
// cancelled, which kills its subprocess tree; the result surfaces as
// CANCELLED and is never retried.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	e.publish(events.TopicTask, events.TaskCancelled{ID: taskID, Timestamp: time.Now()})
	return true
}

func (e *Executor) trackCancel(taskID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[taskID] = cancel
}

func (e *Executor) untrackCancel(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, taskID)
}

func (e *Executor) publish(topic string, ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}

func (e *Executor) publishOutcome(task *scheduler.Task, res ExecutionResult) {
	switch res.Status {
	case registry.StatusCompleted:
		e.publish(events.TopicTask, events.TaskCompleted{ID: task.ID, Duration: res.Duration, PRNumber: res.PRNumber, Timestamp: time.Now()})
	case registry.StatusCancelled:
		// TaskCancelled already published by Cancel
	default:
		e.publish(events.TopicTask, events.TaskFailed{
			ID:        task.ID,
			Phase:     string(res.Phase),
			Err:       errors.New(res.Error),
			Timeout:   res.Status == registry.StatusTimeout,
			Timestamp: time.Now(),
		})
	}
}
