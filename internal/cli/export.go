package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gadugi/gadugi/internal/persistence"
	"github.com/gadugi/gadugi/internal/registry"
)

func newExportCmd(opts *options) *cobra.Command {
	var (
		output string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the process registry and run history as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx := cmd.Context()

			reg := registry.New(filepath.Join(cfg.Registry.StateDir, "registry.json"), log)
			snapshot, err := reg.Export()
			if err != nil {
				return fmt.Errorf("exporting registry: %w", err)
			}

			history, err := persistence.NewSQLiteStore(ctx, filepath.Join(cfg.Registry.StateDir, "history.db"))
			if err != nil {
				return fmt.Errorf("opening run history: %w", err)
			}
			defer history.Close()
			runs, err := history.ListRuns(ctx, limit)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}

			doc := map[string]json.RawMessage{"registry": snapshot}
			if doc["runs"], err = json.Marshal(runs); err != nil {
				return fmt.Errorf("encoding runs: %w", err)
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding export: %w", err)
			}

			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote export to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write instead of stdout")
	cmd.Flags().IntVar(&limit, "limit", 50, "Number of recent runs to include")

	return cmd
}
