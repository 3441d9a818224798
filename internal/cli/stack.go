package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/agent"
	"github.com/gadugi/gadugi/internal/config"
	"github.com/gadugi/gadugi/internal/events"
	"github.com/gadugi/gadugi/internal/executor"
	"github.com/gadugi/gadugi/internal/gitops"
	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/orchestrator"
	"github.com/gadugi/gadugi/internal/persistence"
	"github.com/gadugi/gadugi/internal/registry"
	"github.com/gadugi/gadugi/internal/scheduler"
	"github.com/gadugi/gadugi/internal/workflow"
)

// runtime is the fully wired stack a command operates on.
type runtime struct {
	cfg         *config.Config
	log         *zap.Logger
	bus         *events.Bus
	reg         *registry.Registry
	checkpoints *workflow.CheckpointStore
	history     persistence.Store
	pm          *agent.ProcessManager
	orch        *orchestrator.Orchestrator
	exec        *executor.Executor
}

// buildStack assembles the orchestration pipeline from configuration.
// repoPath is the repository the agents operate on.
func buildStack(ctx context.Context, cfg *config.Config, log *zap.Logger, repoPath string) (*runtime, error) {
	repoPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repository path: %w", err)
	}

	stateDir := cfg.Registry.StateDir
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	reg := registry.New(filepath.Join(stateDir, "registry.json"), log,
		registry.WithHeartbeatTimeout(cfg.Registry.HeartbeatTimeout))

	checkpoints, err := workflow.NewCheckpointStore(filepath.Join(stateDir, "checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	history, err := persistence.NewSQLiteStore(ctx, filepath.Join(stateDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}

	var git gitops.Client
	if cfg.GitHub.Token != "" && cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		git = gitops.NewGitHubClient(ctx, cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo)
	} else {
		log.Warn("github credentials incomplete, issues and PRs will be recorded locally only")
		git = gitops.NewFake()
	}

	pm := agent.NewProcessManager()
	invoker := agent.NewClaudeInvoker("claude", nil, pm)
	bus := events.NewBus()

	driver := orchestrator.NewWorkflowDriver(invoker, git, checkpoints, reg, bus, log,
		cfg.Isolation.BaseBranch, cfg.Executor.TaskTimeout)

	var (
		provider isolation.Provider
		pruner   orchestrator.Pruner
	)
	switch cfg.Isolation.Mode {
	case "none":
		provider = &isolation.NoneProvider{RepoPath: repoPath}
	case "worktree":
		wt := isolation.NewWorktreeProvider(isolation.WorktreeConfig{
			RepoPath:    repoPath,
			BaseBranch:  cfg.Isolation.BaseBranch,
			WorktreeDir: cfg.Isolation.WorktreeDir,
			Require:     cfg.Isolation.Require,
		}, log)
		provider, pruner = wt, wt
	case "container":
		wt := isolation.NewWorktreeProvider(isolation.WorktreeConfig{
			RepoPath:    repoPath,
			BaseBranch:  cfg.Isolation.BaseBranch,
			WorktreeDir: cfg.Isolation.WorktreeDir,
			Require:     cfg.Isolation.Require,
		}, log)
		cp := isolation.NewContainerProvider(wt, isolation.ContainerConfig{
			Image:    cfg.Isolation.Container.Image,
			CPUs:     cfg.Isolation.Container.CPUs,
			MemoryMB: cfg.Isolation.Container.MemoryMB,
			Network:  cfg.Isolation.Container.Network,
			Env:      cfg.Isolation.Container.Env,
		}, log)
		driver.WithContainerInvokers(cp, pm)
		provider, pruner = cp, wt
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", cfg.Isolation.Mode)
	}

	metrics := executor.NewMetrics(prometheus.NewRegistry())
	exec := executor.New(driver, provider, reg, bus, metrics, log, executor.Config{
		MaxWorkers:   cfg.Executor.MaxWorkers,
		TaskTimeout:  cfg.Executor.TaskTimeout,
		MaxRetries:   cfg.Executor.MaxRetries,
		RetryBackoff: cfg.Executor.RetryBackoff,
	})

	validator := workflow.NewValidator(git, cfg.Review.OrphanThreshold, log)
	orch := orchestrator.New(scheduler.NewResolver(), exec, driver, validator,
		checkpoints, history, reg, pruner, bus, log)

	return &runtime{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		reg:         reg,
		checkpoints: checkpoints,
		history:     history,
		pm:          pm,
		orch:        orch,
		exec:        exec,
	}, nil
}

// close tears down the stack. Tracked agent processes are killed so no
// orphaned subprocess outlives the run.
func (r *runtime) close() {
	if err := r.pm.KillAll(); err != nil {
		r.log.Warn("killing tracked processes", zap.Error(err))
	}
	if err := r.history.Close(); err != nil {
		r.log.Warn("closing run history", zap.Error(err))
	}
	r.bus.Close()
}
