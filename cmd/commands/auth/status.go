package auth

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"nathanbeddoewebdev/vpsd/internal/hypervisor/providers"
	"nathanbeddoewebdev/vpsd/internal/services/auth"

	"github.com/spf13/cobra"
)

func StatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show authentication status for hypervisors",
		Long: `Show which hypervisors have a token, and where it comes from.

Example:
  vpsd auth status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newStore()
			names := providers.List()
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No hypervisors registered.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HYPERVISOR\tSTATUS")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\n", name, tokenStatus(store, name))
			}
			return w.Flush()
		},
		SilenceUsage: true,
	}

	return cmd
}

func tokenStatus(store auth.Store, hypervisor string) string {
	if os.Getenv(auth.EnvVar(hypervisor)) != "" {
		return "logged in (" + auth.EnvVar(hypervisor) + ")"
	}
	_, err := store.GetToken(hypervisor)
	switch {
	case err == nil:
		return "logged in (keychain)"
	case errors.Is(err, auth.ErrTokenNotFound):
		return "not logged in"
	default:
		return fmt.Sprintf("error (%v)", err)
	}
}
