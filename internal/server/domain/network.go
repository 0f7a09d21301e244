package domain

import (
	"fmt"
	"net"

	"nathanbeddoewebdev/vpsd/internal/util"
)

// Network is a pool of static addresses in one datacenter. Servers
// created in that datacenter are given a free address from the pool.
type Network struct {
	Name       string `json:"name"`
	Datacenter string `json:"datacenter"`
	Gateway    string `json:"gateway"`
	SubnetMask string `json:"subnet_mask"`

	// Total and Free are filled in by listings.
	Total int `json:"total"`
	Free  int `json:"free"`
}

// Validate normalizes the datacenter and mask and checks the gateway.
func (n *Network) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("network name is required")
	}
	n.Datacenter = util.NormalizeKey(n.Datacenter)
	if n.Datacenter == "" {
		return fmt.Errorf("network %s: datacenter is required", n.Name)
	}
	if net.ParseIP(n.Gateway).To4() == nil {
		return fmt.Errorf("network %s: invalid gateway %q", n.Name, n.Gateway)
	}
	mask, _, err := util.ParseSubnetMask(n.SubnetMask)
	if err != nil {
		return fmt.Errorf("network %s: %w", n.Name, err)
	}
	n.SubnetMask = mask
	return nil
}

// IPAssignment is an address reserved for a server, with the routing
// details of its network.
type IPAssignment struct {
	Address    string
	Gateway    string
	SubnetMask string
}

// IPConfig renders the assignment as "ip=<addr>/<prefix>,gw=<gateway>".
func (a IPAssignment) IPConfig() string {
	_, prefix, err := util.ParseSubnetMask(a.SubnetMask)
	if err != nil {
		prefix = 32
	}
	return util.IPConfig(a.Address, prefix, a.Gateway)
}
