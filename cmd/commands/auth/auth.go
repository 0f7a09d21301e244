package auth

import (
	"nathanbeddoewebdev/vpsd/internal/services/auth"

	"github.com/spf13/cobra"
)

// newStore is replaced in tests.
var newStore = auth.DefaultStore

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage hypervisor credentials",
		Long: `Manage hypervisor credentials.

Use this command group to store API tokens in the OS keychain. A
VPSD_<HYPERVISOR>_TOKEN environment variable takes precedence over a
stored token.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(LoginCommand())
	cmd.AddCommand(LogoutCommand())
	cmd.AddCommand(StatusCommand())

	return cmd
}
