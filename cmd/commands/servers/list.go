package servers

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func ListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's servers",
		Long: `List the servers owned by a user, oldest first.

Examples:
  vpsd servers list --user 42
  vpsd servers list --user 42 -o json`,
		RunE:         runList,
		SilenceUsage: true,
	}

	cmd.Flags().String("user", "", "User id whose servers to list (required)")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	user = strings.TrimSpace(user)
	if user == "" {
		return fmt.Errorf("--user is required")
	}
	output, _ := cmd.Flags().GetString("output")
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}

	gw, _, err := openStore()
	if err != nil {
		return err
	}
	defer gw.Close()

	servers, err := gw.ListForUser(cmd.Context(), user)
	if err != nil {
		return err
	}

	if output == "json" {
		return writeJSON(cmd.OutOrStdout(), servers)
	}
	if len(servers) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No servers found for user %s.\n", user)
		return nil
	}
	return printServers(cmd.OutOrStdout(), servers)
}
