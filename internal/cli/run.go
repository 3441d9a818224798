package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/executor"
	"github.com/gadugi/gadugi/internal/orchestrator"
	"github.com/gadugi/gadugi/internal/registry"
	"github.com/gadugi/gadugi/internal/scheduler"
	"github.com/gadugi/gadugi/internal/tui"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		mode          string
		maxWorkers    int
		isolationMode string
		repoPath      string
		dryRun        bool
		watch         bool
	)

	cmd := &cobra.Command{
		Use:   "run <taskfile>",
		Short: "Execute a task file through the workflow pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cmd.Flags().Changed("max-workers") {
				cfg.Executor.MaxWorkers = maxWorkers
			}
			if cmd.Flags().Changed("isolation") {
				cfg.Isolation.Mode = isolationMode
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			tasks, err := scheduler.LoadTaskFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := buildStack(ctx, cfg, log, repoPath)
			if err != nil {
				return err
			}
			defer rt.close()

			if dryRun {
				plan, err := rt.orch.Plan(tasks)
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			}

			return runBatch(ctx, cmd.OutOrStdout(), rt, tasks, executor.Mode(mode), watch)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(executor.ModeParallel), "Execution mode: sequential or parallel")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum concurrent tasks (overrides config)")
	cmd.Flags().StringVar(&isolationMode, "isolation", "", "Isolation mode: none, worktree, or container (overrides config)")
	cmd.Flags().StringVar(&repoPath, "repo", ".", "Repository the agents operate on")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the execution plan without running anything")
	cmd.Flags().BoolVar(&watch, "watch", false, "Show a live dashboard while the batch runs")

	return cmd
}

// runBatch drives one batch to completion, optionally behind the live
// dashboard, and reports the outcome. A batch with failures returns an
// error so the process exits non-zero.
func runBatch(ctx context.Context, out io.Writer, rt *runtime, tasks *scheduler.TaskSet, mode executor.Mode, watch bool) error {
	rt.orch.StartHeartbeatMonitor(ctx, 30*time.Second)

	if repaired, err := rt.orch.RecoverOrphans(ctx); err != nil {
		rt.log.Warn("orphaned PR recovery failed", zap.Error(err))
	} else if repaired > 0 {
		rt.log.Info("recovered orphaned pull requests", zap.Int("count", repaired))
	}

	var (
		res    *orchestrator.BuildResult
		runErr error
	)
	if watch {
		p := tea.NewProgram(tui.New(rt.bus), tea.WithAltScreen())
		done := make(chan struct{})
		go func() {
			defer close(done)
			res, runErr = rt.orch.Run(ctx, tasks, mode)
			if runErr != nil {
				// nothing to watch; tear the dashboard down
				p.Quit()
			}
		}()
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("dashboard failed: %w", err)
		}
		<-done
	} else {
		res, runErr = rt.orch.Run(ctx, tasks, mode)
	}
	if runErr != nil {
		return runErr
	}

	printSummary(out, res)
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", res.Failed, res.Total)
	}
	return nil
}

func printPlan(out io.Writer, plan *orchestrator.Plan) {
	fmt.Fprintln(out, "Execution plan:")
	for _, level := range plan.Levels {
		fmt.Fprintf(out, "  level %d: %s\n", level.Level, strings.Join(level.TaskIDs, ", "))
	}
}

func printSummary(out io.Writer, res *orchestrator.BuildResult) {
	fmt.Fprintf(out, "Run %s: %d/%d succeeded, %d failed in %s\n",
		res.RunID, res.Succeeded, res.Total, res.Failed, res.Duration.Round(time.Millisecond))
	for _, r := range res.Results {
		line := fmt.Sprintf("  %-20s %-10s", r.TaskID, r.Status)
		if r.PRNumber != 0 {
			line += fmt.Sprintf(" PR #%d", r.PRNumber)
		}
		if r.Status != registry.StatusCompleted && r.Error != "" {
			line += " " + r.Error
		}
		fmt.Fprintln(out, line)
	}
}
