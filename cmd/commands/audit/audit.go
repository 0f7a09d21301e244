package audit

import "github.com/spf13/cobra"

// NewCommand returns the "audit" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "View and manage audit history",
		Long: "View the audit trail of vpsd commands and API requests and prune old entries.\n\n" +
			"Audit history is stored in the vpsd database (~/.config/vpsd/vpsd.db by default).",
		SilenceUsage: true,
	}

	cmd.AddCommand(ListCommand())
	cmd.AddCommand(PruneCommand())

	return cmd
}
