// Package orchestrator is the composition root: it resolves the task
// graph into parallel levels, hands each level to the executor, and
// aggregates the batch into a BuildResult, persisting history and
// recovering orphaned work along the way.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/events"
	"github.com/gadugi/gadugi/internal/executor"
	"github.com/gadugi/gadugi/internal/persistence"
	"github.com/gadugi/gadugi/internal/registry"
	"github.com/gadugi/gadugi/internal/scheduler"
	"github.com/gadugi/gadugi/internal/workflow"
)

// Pruner clears stale sandbox metadata left by crashed runs. The
// worktree provider implements it; others need not.
type Pruner interface {
	Prune(ctx context.Context) error
}

// BuildResult aggregates one batch.
type BuildResult struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
	Results   []executor.ExecutionResult
}

// Plan is the dry-run output: the levels that would execute, in order.
type Plan struct {
	Levels []PlanLevel
}

// PlanLevel is one parallel wave.
type PlanLevel struct {
	Level   int
	TaskIDs []string
}

// Orchestrator drives whole batches end to end.
type Orchestrator struct {
	resolver    *scheduler.Resolver
	exec        *executor.Executor
	validator   *workflow.Validator
	checkpoints *workflow.CheckpointStore
	history     persistence.Store
	reg         *registry.Registry
	driver      *WorkflowDriver
	pruner      Pruner
	bus         *events.Bus
	log         *zap.Logger
}

// New wires the orchestrator. history and pruner may be nil.
func New(resolver *scheduler.Resolver, exec *executor.Executor, driver *WorkflowDriver, validator *workflow.Validator, checkpoints *workflow.CheckpointStore, history persistence.Store, reg *registry.Registry, pruner Pruner, bus *events.Bus, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		resolver:    resolver,
		exec:        exec,
		driver:      driver,
		validator:   validator,
		checkpoints: checkpoints,
		history:     history,
		reg:         reg,
		pruner:      pruner,
		bus:         bus,
		log:         log,
	}
}

// Plan resolves the graph and reports the parallel levels without
// executing anything.
func (o *Orchestrator) Plan(tasks *scheduler.TaskSet) (*Plan, error) {
	groups, err := o.resolver.ParallelGroups(tasks)
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	for _, g := range groups {
		level := PlanLevel{Level: g.Level}
		for _, t := range g.Tasks {
			level.TaskIDs = append(level.TaskIDs, t.ID)
		}
		plan.Levels = append(plan.Levels, level)
	}
	return plan, nil
}

// Run executes the whole task set. Resolution errors abort before any
// task starts; execution failures never do, they settle into results.
func (o *Orchestrator) Run(ctx context.Context, tasks *scheduler.TaskSet, mode executor.Mode) (*BuildResult, error) {
	start := time.Now()
	runID := uuid.NewString()

	if o.pruner != nil {
		if err := o.pruner.Prune(ctx); err != nil {
			o.log.Warn("stale sandbox prune failed", zap.Error(err))
		}
	}

	stopPhases := o.recordPhases(ctx, runID)
	var results []executor.ExecutionResult
	var err error
	switch mode {
	case executor.ModeSequential:
		results, err = o.runSequential(ctx, tasks, runID)
	default:
		results, err = o.runParallel(ctx, tasks, runID)
	}
	stopPhases()
	if err != nil {
		return nil, err
	}

	res := &BuildResult{
		RunID:    runID,
		Total:    len(results),
		Duration: time.Since(start),
		Results:  results,
	}
	for _, r := range results {
		if r.Succeeded() {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	o.saveRun(ctx, runID, start, res)
	if o.bus != nil {
		o.bus.Publish(events.TopicBuild, events.BuildFinished{
			Succeeded: res.Succeeded,
			Failed:    res.Failed,
			Duration:  res.Duration,
			Timestamp: time.Now(),
		})
	}
	o.log.Info("batch finished",
		zap.String("run_id", runID),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, tasks *scheduler.TaskSet, runID string) ([]executor.ExecutionResult, error) {
	order, err := o.resolver.Resolve(tasks)
	if err != nil {
		return nil, err
	}
	results, err := o.exec.ExecuteBatch(ctx, order, executor.ModeSequential)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		o.saveTaskResult(ctx, runID, r)
	}
	return results, nil
}

func (o *Orchestrator) runParallel(ctx context.Context, tasks *scheduler.TaskSet, runID string) ([]executor.ExecutionResult, error) {
	groups, err := o.resolver.ParallelGroups(tasks)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool)
	var results []executor.ExecutionResult
	for _, group := range groups {
		if o.bus != nil {
			o.bus.Publish(events.TopicBuild, events.LevelStarted{
				Level:     group.Level,
				TaskCount: len(group.Tasks),
				Timestamp: time.Now(),
			})
		}
		o.log.Info("level started", zap.Int("level", group.Level), zap.Int("tasks", len(group.Tasks)))

		// A task whose dependency did not complete is settled up
		// front; its failure never reaches the executor. The settled
		// task counts as not-completed itself, so the failure
		// propagates through the whole downstream chain.
		var runnable []*scheduler.Task
		for _, task := range group.Tasks {
			if dep, ok := unmetDependency(task, completed); ok {
				res := executor.ExecutionResult{
					TaskID: task.ID,
					Status: registry.StatusFailed,
					Error:  fmt.Sprintf("dependency %s did not complete", dep),
				}
				completed[task.ID] = false
				results = append(results, res)
				o.saveTaskResult(ctx, runID, res)
				continue
			}
			runnable = append(runnable, task)
		}

		batch, err := o.exec.ExecuteBatch(ctx, runnable, executor.ModeParallel)
		if err != nil {
			return nil, err
		}
		for _, r := range batch {
			completed[r.TaskID] = r.Succeeded()
			o.saveTaskResult(ctx, runID, r)
		}
		results = append(results, batch...)
	}
	return results, nil
}

// recordPhases streams phase completions into the run history while a
// batch executes. The machine publishes synchronously, so every event
// is at least buffered by the time execution returns; the stop
// function drains that buffer before the run record is written.
// Recording inherits the bus's best-effort contract: a full buffer
// drops timeline entries, never blocks execution.
func (o *Orchestrator) recordPhases(ctx context.Context, runID string) (stop func()) {
	if o.history == nil || o.bus == nil {
		return func() {}
	}
	ch := o.bus.Subscribe(events.TopicPhase, 1024)
	record := func(ev events.Event) {
		pc, ok := ev.(events.PhaseCompleted)
		if !ok {
			return
		}
		rec := &persistence.PhaseRecord{
			RunID:       runID,
			TaskID:      pc.ID,
			Phase:       pc.Phase,
			CompletedAt: pc.Timestamp,
		}
		if err := o.history.RecordPhase(ctx, rec); err != nil {
			o.log.Warn("recording phase",
				zap.String("task_id", pc.ID),
				zap.String("phase", pc.Phase),
				zap.Error(err))
		}
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-ch:
				record(ev)
			case <-quit:
				for {
					select {
					case ev := <-ch:
						record(ev)
					default:
						return
					}
				}
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

// unmetDependency returns the first dependency of task that has a
// known non-completed outcome.
func unmetDependency(task *scheduler.Task, completed map[string]bool) (string, bool) {
	for _, dep := range task.Dependencies {
		if done, known := completed[dep]; known && !done {
			return dep, true
		}
	}
	return "", false
}

// RecoverOrphans scans for managed PRs past the staleness threshold
// with no review and re-drives CODE_REVIEW for each one that still
// has a checkpoint. Returns the number repaired.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	orphaned, err := o.validator.FindOrphanedPRs(ctx)
	if err != nil {
		return 0, err
	}
	if len(orphaned) == 0 {
		return 0, nil
	}

	states, err := o.checkpoints.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("loading checkpoints for orphan recovery: %w", err)
	}
	byPR := make(map[int]*workflow.State, len(states))
	for _, st := range states {
		if st.PRNumber != 0 {
			byPR[st.PRNumber] = st
		}
	}

	repaired := 0
	for _, pr := range orphaned {
		st, ok := byPR[pr.Number]
		if !ok {
			o.log.Warn("orphaned PR has no checkpoint, skipping",
				zap.Int("pr", pr.Number))
			continue
		}
		review := o.driver.reviewExecutor(st)
		if err := o.validator.Repair(ctx, st, review); err != nil {
			o.log.Error("orphan repair failed",
				zap.String("task_id", st.TaskID), zap.Int("pr", pr.Number), zap.Error(err))
			continue
		}
		if err := o.checkpoints.Save(st); err != nil {
			o.log.Warn("checkpoint write failed after repair",
				zap.String("task_id", st.TaskID), zap.Error(err))
		}
		repaired++
	}
	return repaired, nil
}

// StartHeartbeatMonitor sweeps the registry on the given interval
// until ctx is cancelled, publishing an event for each process
// declared dead.
func (o *Orchestrator) StartHeartbeatMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, taskID := range o.reg.UpdateHeartbeats() {
					if o.bus != nil {
						o.bus.Publish(events.TopicRegistry, events.HeartbeatStale{ID: taskID, Timestamp: time.Now()})
					}
				}
			}
		}
	}()
}

func (o *Orchestrator) saveRun(ctx context.Context, runID string, start time.Time, res *BuildResult) {
	if o.history == nil {
		return
	}
	err := o.history.SaveRun(ctx, &persistence.RunRecord{
		ID:         runID,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Duration:   res.Duration,
	})
	if err != nil {
		o.log.Warn("run history write failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (o *Orchestrator) saveTaskResult(ctx context.Context, runID string, r executor.ExecutionResult) {
	if o.history == nil {
		return
	}
	err := o.history.SaveTaskResult(ctx, &persistence.TaskRecord{
		RunID:       runID,
		TaskID:      r.TaskID,
		Status:      string(r.Status),
		Phase:       string(r.Phase),
		IssueNumber: r.IssueNumber,
		PRNumber:    r.PRNumber,
		Attempts:    r.Attempts,
		Error:       r.Error,
		Duration:    r.Duration,
	})
	if err != nil {
		o.log.Warn("task history write failed", zap.String("task_id", r.TaskID), zap.Error(err))
	}
}
