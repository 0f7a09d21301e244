package servers

import (
	"fmt"

	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/store"

	"github.com/spf13/cobra"
)

// NewCommand returns the "servers" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect servers in the store",
		Long: `Inspect servers directly in the store.

These commands read the store without going through the API, for
operators diagnosing stuck or orphaned rows.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(ListCommand())
	cmd.AddCommand(ScanCommand())

	return cmd
}

func openStore() (store.Gateway, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg = cfg.WithDefaults()
	gw, err := store.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return gw, cfg, nil
}
