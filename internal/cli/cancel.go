package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/agent"
	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/registry"
)

func newCancelCmd(opts *options) *cobra.Command {
	var (
		taskID   string
		repoPath string
		grace    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cancel --task-id <id>",
		Short: "Cancel a running task by terminating its agent process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			reg := registry.New(filepath.Join(cfg.Registry.StateDir, "registry.json"), log)
			info, ok := reg.Get(taskID)
			if !ok {
				return fmt.Errorf("task %s is not tracked", taskID)
			}
			if info.Status.Terminal() {
				return fmt.Errorf("task %s already finished with status %s", taskID, info.Status)
			}

			if info.PID > 0 {
				agent.Terminate(info.PID, grace)
			}
			reg.UpdateStatus(taskID, registry.StatusCancelled, info.PID, "cancelled by operator")
			releaseSandbox(cmd, cfg.Isolation.Mode, repoPath, taskID, log)
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s (pid %d)\n", taskID, info.PID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "Task to cancel")
	cmd.Flags().StringVar(&repoPath, "repo", ".", "Repository whose sandbox to release")
	cmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "Time between SIGTERM and SIGKILL")
	_ = cmd.MarkFlagRequired("task-id")

	return cmd
}

// releaseSandbox tears down the task's worktree if one exists. The
// owning gadugi process normally does this; after a cross-process
// cancel it is this command's job.
func releaseSandbox(cmd *cobra.Command, mode, repoPath, taskID string, log *zap.Logger) {
	if mode == "none" {
		return
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return
	}
	wt := isolation.NewWorktreeProvider(isolation.WorktreeConfig{RepoPath: abs}, log)
	sandboxes, err := wt.List(cmd.Context())
	if err != nil {
		log.Warn("listing worktrees", zap.Error(err))
		return
	}
	for _, sb := range sandboxes {
		if sb.TaskID != taskID {
			continue
		}
		sb.Created = true
		if err := wt.Release(cmd.Context(), &sb); err != nil {
			log.Warn("releasing sandbox", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}
}
