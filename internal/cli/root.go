// Package cli implements the flowworker command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/dshills/flowfiber-go/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the flowworker root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "flowworker",
		Short: "Durable flow worker",
		Long: `flowworker applies flow events to checkpointed flows.

Each event runs one pipeline pass: the flow's checkpoint is loaded, its
fiber resumed until it suspends again, and the new checkpoint committed
together with the pass's output records.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (FLOWFIBER_* env vars override it)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))

	return cmd
}

// loadConfig reads the configuration named by the global flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}
