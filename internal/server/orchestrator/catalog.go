package orchestrator

import (
	"context"
	"sort"
)

// Catalog is what a client may choose from when creating a server.
type Catalog struct {
	OperatingSystems []string             `json:"operating_systems"`
	Datacenters      []DatacenterCapacity `json:"datacenters"`
}

// DatacenterCapacity summarizes the address pool of one datacenter.
type DatacenterCapacity struct {
	Name          string `json:"name"`
	Networks      int    `json:"networks"`
	FreeAddresses int    `json:"free_addresses"`
}

// Catalog returns the configured operating systems and the datacenters
// that have at least one network, sorted by name.
func (d *Dispatcher) Catalog(ctx context.Context) (*Catalog, error) {
	networks, err := d.store.ListNetworks(ctx)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{
		OperatingSystems: make([]string, 0, len(d.templates)),
		Datacenters:      []DatacenterCapacity{},
	}
	for name := range d.templates {
		cat.OperatingSystems = append(cat.OperatingSystems, name)
	}
	sort.Strings(cat.OperatingSystems)

	// ListNetworks is ordered by datacenter, so each one is contiguous.
	for _, n := range networks {
		last := len(cat.Datacenters) - 1
		if last < 0 || cat.Datacenters[last].Name != n.Datacenter {
			cat.Datacenters = append(cat.Datacenters, DatacenterCapacity{Name: n.Datacenter})
			last++
		}
		cat.Datacenters[last].Networks++
		cat.Datacenters[last].FreeAddresses += n.Free
	}
	return cat, nil
}
