package networks

import (
	"fmt"

	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/util"

	"github.com/spf13/cobra"
)

func AddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a network and its addresses",
		Long: `Add a network to a datacenter's address pool.

--range accepts a single address, a full range, or a range whose end
is just the last octet. It may be repeated.

Examples:
  vpsd networks add fsn1-lan --datacenter fsn1 --gateway 10.1.0.1 --subnet-mask 24 --range 10.1.0.10-200
  vpsd networks add pve-dmz --datacenter pve1 --gateway 192.168.5.1 \
      --subnet-mask 255.255.255.0 --range 192.168.5.20 --range 192.168.5.40-192.168.5.49`,
		Args:         cobra.ExactArgs(1),
		RunE:         runAdd,
		Annotations:  map[string]string{"audit": "true"},
		SilenceUsage: true,
	}

	cmd.Flags().String("datacenter", "", "Datacenter the network serves (required)")
	cmd.Flags().String("gateway", "", "Default gateway handed to servers (required)")
	cmd.Flags().String("subnet-mask", "24", "Subnet mask, dotted or as a prefix length")
	cmd.Flags().StringArray("range", nil, "Addresses to pool (required, repeatable)")
	_ = cmd.MarkFlagRequired("datacenter")
	_ = cmd.MarkFlagRequired("gateway")
	_ = cmd.MarkFlagRequired("range")

	return cmd
}

func runAdd(cmd *cobra.Command, args []string) error {
	datacenter, _ := cmd.Flags().GetString("datacenter")
	gateway, _ := cmd.Flags().GetString("gateway")
	mask, _ := cmd.Flags().GetString("subnet-mask")
	ranges, _ := cmd.Flags().GetStringArray("range")

	var addresses []string
	for _, r := range ranges {
		expanded, err := util.ExpandAddressRange(r)
		if err != nil {
			return fmt.Errorf("--range: %w", err)
		}
		addresses = append(addresses, expanded...)
	}

	network := domain.Network{Name: args[0], Datacenter: datacenter, Gateway: gateway, SubnetMask: mask}
	if err := network.Validate(); err != nil {
		return err
	}

	gw, err := openStore()
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.AddNetwork(cmd.Context(), network, addresses); err != nil {
		return err
	}

	cmd.SetContext(auditlog.WithMetadata(cmd.Context(), auditlog.Metadata{
		ResourceType: "network",
		ResourceID:   network.Name,
		Detail:       fmt.Sprintf("%d addresses in %s", len(addresses), network.Datacenter),
	}))
	fmt.Fprintf(cmd.OutOrStdout(), "Added network %s to %s with %d address(es).\n",
		network.Name, network.Datacenter, len(addresses))
	return nil
}
