package config

import (
	"nathanbeddoewebdev/vpsd/internal/config"

	"github.com/spf13/cobra"
)

// NewCommand returns the "config" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage vpsd configuration",
		Long: "View and modify persistent vpsd settings.\n\n" +
			"Configuration is stored at ~/.config/vpsd/config.json.\n\n" +
			config.KeysHelp(),
	}

	cmd.AddCommand(SetCommand())
	cmd.AddCommand(GetCommand())

	return cmd
}
