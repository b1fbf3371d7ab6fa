package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/flowfiber-go/flow"
	"github.com/dshills/flowfiber-go/flow/store"
	"github.com/dshills/flowfiber-go/internal/config"
)

// inspection is the JSON shape printed by the inspect command.
type inspection struct {
	FlowID     string           `json:"flow_id"`
	Version    int64            `json:"version"`
	Checkpoint *flow.Checkpoint `json:"checkpoint"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <flow-id>",
		Short: "Print a flow's stored checkpoint",
		Long: `Load the committed checkpoint of a flow and print it as JSON.

The memory backend lives only inside a running worker, so inspect needs a
persistent store (sqlite, mysql or redis).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Backend == config.BackendMemory {
				return fmt.Errorf("inspect requires a persistent store backend, got %q", cfg.Store.Backend)
			}

			ctx := cmd.Context()
			res, err := openResources(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = res.Close() }()

			cp, version, err := res.store.Load(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("flow %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to load flow %s: %w", args[0], err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(inspection{FlowID: args[0], Version: version, Checkpoint: cp})
		},
	}
}
