package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gadugi/gadugi/internal/persistence"
	"github.com/gadugi/gadugi/internal/registry"
)

// statusOrder fixes the display order of registry counts.
var statusOrder = []registry.Status{
	registry.StatusQueued,
	registry.StatusRunning,
	registry.StatusCompleted,
	registry.StatusFailed,
	registry.StatusTimeout,
	registry.StatusCancelled,
}

func newStatusCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracked processes and recent run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			out := cmd.OutOrStdout()

			reg := registry.New(filepath.Join(cfg.Registry.StateDir, "registry.json"), log)
			counts := reg.Counts()
			total := 0
			for _, n := range counts {
				total += n
			}
			if total == 0 {
				fmt.Fprintln(out, "No tracked processes.")
			} else {
				fmt.Fprintf(out, "Tracked processes (%d):\n", total)
				for _, st := range statusOrder {
					if n := counts[st]; n > 0 {
						fmt.Fprintf(out, "  %-10s %d\n", st, n)
					}
				}
			}

			ctx := cmd.Context()
			history, err := persistence.NewSQLiteStore(ctx, filepath.Join(cfg.Registry.StateDir, "history.db"))
			if err != nil {
				return fmt.Errorf("opening run history: %w", err)
			}
			defer history.Close()

			runs, err := history.ListRuns(ctx, limit)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No recorded runs.")
				return nil
			}
			fmt.Fprintln(out, "Recent runs:")
			for _, run := range runs {
				fmt.Fprintf(out, "  %s  %s  %d/%d succeeded, %d failed  %s\n",
					run.ID,
					run.StartedAt.Local().Format(time.DateTime),
					run.Succeeded, run.Total, run.Failed,
					run.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 5, "Number of recent runs to show")

	return cmd
}
