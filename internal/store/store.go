// Package store is the persistence gateway for servers and the services
// that reference them.
//
// Every mutation is atomic at the row level. Status changes go through
// CompareAndSwap, which only succeeds when the stored status still equals
// the caller's expectation; the status column therefore doubles as the
// per-server lock used by the orchestrator.
package store

import (
	"context"
	"fmt"
	"net"
	"time"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
)

// Fields carries the optional column updates applied together with a
// status change.
type Fields struct {
	// HypervisorID, Node, and Address are applied only if the server has
	// no hypervisor identity yet. An empty Address keeps the address
	// assigned at insert.
	HypervisorID string
	Node         string
	Address      string

	// LastError is recorded when non-empty. ClearError resets it.
	LastError  string
	ClearError bool
}

func (f *Fields) setsIdentity() bool {
	return f != nil && (f.HypervisorID != "" || f.Node != "" || f.Address != "")
}

// Gateway is the persistence capability consumed by the orchestrator, the
// API, and the legacy loader.
type Gateway interface {
	// Get returns the server with its owning service, or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Server, error)

	// Insert stores a new server and its service in one transaction.
	Insert(ctx context.Context, srv *domain.Server, svc *domain.Service) error

	// InsertWithAddress is Insert plus the assignment of a free address
	// from one of datacenter's networks, in the same transaction.
	// srv.Address is set to the assigned address. It returns
	// ErrUnknownDatacenter when no network serves datacenter and
	// ErrNoFreeAddress when every address there is taken.
	InsertWithAddress(ctx context.Context, srv *domain.Server, svc *domain.Service, datacenter string) (*domain.IPAssignment, error)

	// InsertLegacy stores an imported server and service unless a row with
	// the same legacy identifier already exists. It reports whether a row
	// was written.
	InsertLegacy(ctx context.Context, srv *domain.Server, svc *domain.Service) (bool, error)

	// CompareAndSwap moves the server from expected to next and applies
	// fields. It returns ErrConflict when the stored status differs from
	// expected and ErrNotFound when the row is gone.
	CompareAndSwap(ctx context.Context, id string, expected, next domain.Status, fields *Fields) error

	// Delete removes the server and its service if the stored status
	// equals expected, and returns its address to the pool.
	Delete(ctx context.Context, id string, expected domain.Status) error

	// ListForUser returns the servers owned by userID, oldest first.
	ListForUser(ctx context.Context, userID string) ([]domain.Server, error)

	// ListTransientOlderThan returns servers that have been transient
	// since before cutoff.
	ListTransientOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Server, error)

	// ListOrphans returns servers that no service references.
	ListOrphans(ctx context.Context) ([]domain.Server, error)

	// AddNetwork registers a network and its addresses. It returns
	// ErrConflict when the name or any of the addresses is already known.
	AddNetwork(ctx context.Context, n domain.Network, addresses []string) error

	// ListNetworks returns every network with its address counts,
	// ordered by datacenter and name.
	ListNetworks(ctx context.Context) ([]domain.Network, error)

	Close() error
}

func validateAddresses(addresses []string) error {
	if len(addresses) == 0 {
		return fmt.Errorf("store: a network needs at least one address")
	}
	for _, addr := range addresses {
		if net.ParseIP(addr).To4() == nil {
			return fmt.Errorf("store: invalid address %q", addr)
		}
	}
	return nil
}
