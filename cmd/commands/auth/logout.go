package auth

import (
	"errors"
	"fmt"

	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/services/auth"

	"github.com/spf13/cobra"
)

func LogoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout <hypervisor>",
		Short: "Remove the stored API token for a hypervisor",
		Long: `Remove the stored API token for a hypervisor from the local keychain.

Example:
  vpsd auth logout hetzner`,
		Args:        cobra.ExactArgs(1),
		RunE:        runLogout,
		Annotations: map[string]string{"audit": "true"},
	}

	return cmd
}

func runLogout(cmd *cobra.Command, args []string) error {
	hypervisor := auth.NormalizeHypervisor(args[0])

	err := newStore().DeleteToken(hypervisor)
	if errors.Is(err, auth.ErrTokenNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "No token stored for hypervisor %s\n", hypervisor)
		return nil
	}
	if err != nil {
		return err
	}

	cmd.SetContext(auditlog.WithMetadata(cmd.Context(), auditlog.Metadata{
		Hypervisor:   hypervisor,
		ResourceType: "credential",
	}))
	fmt.Fprintf(cmd.OutOrStdout(), "Removed token for hypervisor %s\n", hypervisor)
	return nil
}
