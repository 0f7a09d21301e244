package networks

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"nathanbeddoewebdev/vpsd/cmd/commands/style"

	"github.com/spf13/cobra"
)

func ListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List networks and their free addresses",
		Long: `List every network with how many of its addresses are free.

Examples:
  vpsd networks list
  vpsd networks list -o json`,
		RunE:         runList,
		SilenceUsage: true,
	}

	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}

	gw, err := openStore()
	if err != nil {
		return err
	}
	defer gw.Close()

	networks, err := gw.ListNetworks(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if output == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(networks)
	}

	if len(networks) == 0 {
		fmt.Fprintln(out, "No networks configured. Add one with: vpsd networks add")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDATACENTER\tGATEWAY\tSUBNET MASK\tFREE")
	fmt.Fprintln(tw, "----\t----------\t-------\t-----------\t----")
	free := make(map[string]int)
	var datacenters []string
	for _, n := range networks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\n", n.Name, n.Datacenter, n.Gateway, n.SubnetMask, n.Free, n.Total)
		if _, seen := free[n.Datacenter]; !seen {
			datacenters = append(datacenters, n.Datacenter)
		}
		free[n.Datacenter] += n.Free
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	p := style.For(out)
	for _, dc := range datacenters {
		if free[dc] == 0 {
			fmt.Fprintln(out, p.Warning(fmt.Sprintf("Datacenter %s has no free addresses; creates there will be rejected.", dc)))
		}
	}
	return nil
}
