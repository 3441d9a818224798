// Package cli wires the gadugi commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gadugi/gadugi/internal/config"
	"github.com/gadugi/gadugi/internal/logging"
)

// options carries the persistent flags shared by every command.
type options struct {
	configPath string
	debug      bool
}

// setup loads configuration and builds the logger. Every command calls
// it so flag overrides and env vars resolve the same way everywhere.
func (o *options) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.debug {
		cfg.Logging.Debug = true
	}
	log, err := logging.New(cfg.Logging.Debug)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// NewRootCmd builds the gadugi command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "gadugi",
		Short:        "Gadugi — parallel AI-agent workflow orchestration",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file path (default: XDG config dir)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newResumeCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newCancelCmd(opts))
	cmd.AddCommand(newCleanupCmd(opts))
	cmd.AddCommand(newExportCmd(opts))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
