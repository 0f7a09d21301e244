package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/services/auth"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func LoginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <hypervisor>",
		Short: "Store an API token for a hypervisor",
		Long: `Store an API token for a hypervisor using the local keychain.

For Proxmox VE the token has the form user@realm!tokenid=secret.

Example:
  vpsd auth login proxmox
  vpsd auth login hetzner --token "$HCLOUD_TOKEN"`,
		Args:        cobra.ExactArgs(1),
		RunE:        runLogin,
		Annotations: map[string]string{"audit": "true"},
	}

	cmd.Flags().String("token", "", "API token (optional, overrides prompt)")

	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	hypervisor := auth.NormalizeHypervisor(args[0])
	if hypervisor == "" {
		return fmt.Errorf("hypervisor is required")
	}

	token, _ := cmd.Flags().GetString("token")
	token = strings.TrimSpace(token)
	if token == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("no terminal to prompt for a token: pass --token")
		}
		prompted, err := promptToken(hypervisor)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(prompted)
	}

	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	if err := newStore().SetToken(hypervisor, token); err != nil {
		return err
	}

	cmd.SetContext(auditlog.WithMetadata(cmd.Context(), auditlog.Metadata{
		Hypervisor:   hypervisor,
		ResourceType: "credential",
	}))
	fmt.Fprintf(cmd.OutOrStdout(), "Saved token for hypervisor %s\n", hypervisor)
	return nil
}

// promptToken asks for the token with echo disabled.
func promptToken(hypervisor string) (string, error) {
	var token string
	input := huh.NewInput().
		Title(fmt.Sprintf("API token for %s", hypervisor)).
		EchoMode(huh.EchoModePassword).
		Value(&token)

	err := huh.NewForm(huh.NewGroup(input)).
		WithAccessible(os.Getenv("ACCESSIBLE") != "").
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return "", fmt.Errorf("login cancelled")
	}
	return token, err
}
