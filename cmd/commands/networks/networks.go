package networks

import (
	"fmt"

	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/store"

	"github.com/spf13/cobra"
)

// NewCommand returns the "networks" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "networks",
		Short: "Manage the address pools servers are created from",
		Long: `Manage per-datacenter address pools.

Every server created through the API is given a free address from a
network in its datacenter. The address is released when the server is
deleted. A create in a datacenter without a network is rejected.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(AddCommand())
	cmd.AddCommand(ListCommand())

	return cmd
}

func openStore() (store.Gateway, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return store.Open(cfg.WithDefaults())
}
