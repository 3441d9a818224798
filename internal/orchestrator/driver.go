package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/agent"
	"github.com/gadugi/gadugi/internal/events"
	"github.com/gadugi/gadugi/internal/gitops"
	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/registry"
	"github.com/gadugi/gadugi/internal/scheduler"
	"github.com/gadugi/gadugi/internal/workflow"
)

// InvokerFactory builds a sandbox-specific invoker. The container
// provider implements it so the agent runs inside the container
// rather than on the host.
type InvokerFactory interface {
	Invoker(sb *isolation.Sandbox, pm *agent.ProcessManager) agent.Invoker
}

// WorkflowDriver is the executor's single delegation point into the
// state machine. It loads any existing checkpoint so a restarted run
// resumes from the last completed phase.
type WorkflowDriver struct {
	invoker      agent.Invoker
	git          gitops.Client
	checkpoints  *workflow.CheckpointStore
	reg          *registry.Registry
	bus          *events.Bus
	log          *zap.Logger
	baseBranch   string
	agentTimeout time.Duration
	factory      InvokerFactory
	pm           *agent.ProcessManager
}

// WithContainerInvokers routes agent invocations through
// sandbox-specific invokers for sandboxes that carry a container.
func (d *WorkflowDriver) WithContainerInvokers(factory InvokerFactory, pm *agent.ProcessManager) *WorkflowDriver {
	d.factory = factory
	d.pm = pm
	return d
}

// NewWorkflowDriver wires the driver's collaborators.
func NewWorkflowDriver(invoker agent.Invoker, git gitops.Client, checkpoints *workflow.CheckpointStore, reg *registry.Registry, bus *events.Bus, log *zap.Logger, baseBranch string, agentTimeout time.Duration) *WorkflowDriver {
	return &WorkflowDriver{
		invoker:      invoker,
		git:          git,
		checkpoints:  checkpoints,
		reg:          reg,
		bus:          bus,
		log:          log,
		baseBranch:   baseBranch,
		agentTimeout: agentTimeout,
	}
}

// RunTask drives one task's workflow to a terminal state.
func (d *WorkflowDriver) RunTask(ctx context.Context, task *scheduler.Task, sb *isolation.Sandbox) (*workflow.State, error) {
	st, err := d.checkpoints.Load(task.ID)
	if err != nil {
		st = workflow.NewState(task.ID)
	} else if st.Status == workflow.StatusCompleted {
		d.log.Info("task already completed, skipping", zap.String("task_id", task.ID))
		return st, nil
	} else {
		// resumed or retried: the completed prefix stands, the
		// failure bookkeeping does not
		st.ErrorMessage = ""
		st.EndTime = nil
		d.log.Info("resuming from checkpoint",
			zap.String("task_id", task.ID),
			zap.Int("phases_completed", len(st.PhasesCompleted)))
	}

	invoker := d.invoker
	if d.factory != nil && sb.ContainerID != "" {
		invoker = d.factory.Invoker(sb, d.pm)
	}

	deps := workflow.Deps{
		Invoker:      invoker,
		Git:          d.git,
		Log:          d.log,
		BaseBranch:   d.baseBranch,
		AgentTimeout: d.agentTimeout,
		OnStart: func(pid int) {
			d.reg.UpdateStatus(task.ID, registry.StatusRunning, pid, "")
		},
	}
	machine := workflow.NewMachine(st, workflow.StandardExecutors(deps, task, sb), d.checkpoints, d.bus, d.log)
	return st, machine.Run(ctx)
}

// reviewExecutor builds a CODE_REVIEW executor for a checkpointed
// state whose original task definition is gone, as happens when orphan
// recovery runs after a restart. The review is driven against the PR
// alone; no sandbox is provisioned.
func (d *WorkflowDriver) reviewExecutor(st *workflow.State) workflow.ExecutorFunc {
	return func(ctx context.Context, st *workflow.State) error {
		if st.PRNumber == 0 {
			return fmt.Errorf("task %s has no pull request to review", st.TaskID)
		}
		reviews, err := d.git.GetPRReviews(ctx, st.PRNumber)
		if err != nil {
			return fmt.Errorf("fetching reviews for PR #%d: %w", st.PRNumber, err)
		}
		if len(reviews) > 0 {
			return nil
		}
		return d.git.PostReview(ctx, st.PRNumber, "COMMENT", "Automated review completed.")
	}
}
