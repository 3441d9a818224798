package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gadugi/gadugi/internal/executor"
	"github.com/gadugi/gadugi/internal/scheduler"
	"github.com/gadugi/gadugi/internal/workflow"
)

func newResumeCmd(opts *options) *cobra.Command {
	var (
		mode     string
		repoPath string
	)

	cmd := &cobra.Command{
		Use:   "resume <taskfile>",
		Short: "Re-run a task file, continuing from saved checkpoints",
		Long: "Resume re-executes a batch after an interruption. Tasks whose\n" +
			"checkpoints are already COMPLETED are skipped; the rest continue\n" +
			"from the phase after their last completed one.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync()

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

			states, err := rt.checkpoints.LoadAll()
			if err != nil {
				return fmt.Errorf("reading checkpoints: %w", err)
			}
			if len(states) == 0 {
				return fmt.Errorf("no checkpoints found under %s, nothing to resume", cfg.Registry.StateDir)
			}
			resumable := 0
			for _, st := range states {
				if st.Status != workflow.StatusCompleted {
					resumable++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resuming: %d checkpointed tasks, %d incomplete\n",
				len(states), resumable)

			return runBatch(ctx, cmd.OutOrStdout(), rt, tasks, executor.Mode(mode), false)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(executor.ModeParallel), "Execution mode: sequential or parallel")
	cmd.Flags().StringVar(&repoPath, "repo", ".", "Repository the agents operate on")

	return cmd
}
