package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/isolation"
	"github.com/gadugi/gadugi/internal/registry"
)

func newCleanupCmd(opts *options) *cobra.Command {
	var (
		olderThan time.Duration
		repoPath  string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished registry entries and prune stale worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			reg := registry.New(filepath.Join(cfg.Registry.StateDir, "registry.json"), log)
			removed := reg.CleanupCompleted(olderThan)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished registry entries\n", removed)

			if cfg.Isolation.Mode == "none" {
				return nil
			}
			abs, err := filepath.Abs(repoPath)
			if err != nil {
				return err
			}
			wt := isolation.NewWorktreeProvider(isolation.WorktreeConfig{
				RepoPath:    abs,
				BaseBranch:  cfg.Isolation.BaseBranch,
				WorktreeDir: cfg.Isolation.WorktreeDir,
			}, log)
			if err := wt.Prune(cmd.Context()); err != nil {
				log.Warn("pruning worktrees", zap.Error(err))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Pruned stale worktrees")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Only remove entries finished at least this long ago")
	cmd.Flags().StringVar(&repoPath, "repo", ".", "Repository whose worktrees to prune")

	return cmd
}
