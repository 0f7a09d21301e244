package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/util"

	badger "github.com/dgraph-io/badger/v4"
)

// addressDoc is the value stored under an address key.
type addressDoc struct {
	Network  string `json:"network"`
	ServerID string `json:"server_id,omitempty"`
}

func networkKey(name string) []byte { return []byte(networkPrefix + name) }

func addressKey(addr string) []byte { return []byte(addressPrefix + addr) }

func holderKey(serverID string) []byte { return []byte(holderPrefix + serverID) }

// InsertWithAddress claims a free address in datacenter and stores srv and
// svc in the same transaction. Two callers racing for one address read
// the same key, so the loser fails with ErrConflict.
func (g *BadgerGateway) InsertWithAddress(ctx context.Context, srv *domain.Server, svc *domain.Service, datacenter string) (*domain.IPAssignment, error) {
	if svc == nil {
		return nil, fmt.Errorf("store: server %s has no service", srv.ID)
	}
	datacenter = util.NormalizeKey(datacenter)

	now := g.now().UTC()
	var ip *domain.IPAssignment
	err := g.update(func(txn *badger.Txn) error {
		networks, err := networksIn(txn, datacenter)
		if err != nil {
			return err
		}
		if len(networks) == 0 {
			return fmt.Errorf("store: datacenter %q: %w", datacenter, domain.ErrUnknownDatacenter)
		}

		addr, doc, err := firstFree(txn, networks)
		if err != nil {
			return err
		}
		if addr == "" {
			return fmt.Errorf("store: datacenter %q: %w", datacenter, domain.ErrNoFreeAddress)
		}
		doc.ServerID = srv.ID
		if err := putJSON(txn, addressKey(addr), doc); err != nil {
			return err
		}
		if err := txn.Set(holderKey(srv.ID), []byte(addr)); err != nil {
			return err
		}

		srv.Address = addr
		if _, err := insertDoc(txn, srv, svc, false, now); err != nil {
			return err
		}
		n := networks[doc.Network]
		ip = &domain.IPAssignment{Address: addr, Gateway: n.Gateway, SubnetMask: n.SubnetMask}
		return nil
	})
	if err != nil {
		srv.Address = ""
		return nil, err
	}
	srv.CreatedAt, srv.UpdatedAt = now, now
	srv.Service = svc
	return ip, nil
}

func networksIn(txn *badger.Txn, datacenter string) (map[string]domain.Network, error) {
	networks := make(map[string]domain.Network)
	err := eachJSON(txn, networkPrefix, func(_ []byte, n *domain.Network) error {
		if n.Datacenter == datacenter {
			networks[n.Name] = *n
		}
		return nil
	})
	return networks, err
}

func firstFree(txn *badger.Txn, networks map[string]domain.Network) (string, *addressDoc, error) {
	var addr string
	var found *addressDoc
	errStop := errors.New("stop")
	err := eachJSON(txn, addressPrefix, func(key []byte, doc *addressDoc) error {
		if _, ok := networks[doc.Network]; !ok || doc.ServerID != "" {
			return nil
		}
		addr = string(key[len(addressPrefix):])
		found = doc
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return "", nil, err
	}
	return addr, found, nil
}

// releaseAddress returns the address held by serverID, if any, to its pool.
func releaseAddress(txn *badger.Txn, serverID string) error {
	item, err := txn.Get(holderKey(serverID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	addr := string(raw)

	var doc addressDoc
	if err := getJSON(txn, addressKey(addr), &doc); err != nil {
		return err
	}
	doc.ServerID = ""
	if err := putJSON(txn, addressKey(addr), &doc); err != nil {
		return err
	}
	return txn.Delete(holderKey(serverID))
}

// AddNetwork registers n and its addresses in one transaction.
func (g *BadgerGateway) AddNetwork(ctx context.Context, n domain.Network, addresses []string) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if err := validateAddresses(addresses); err != nil {
		return err
	}
	n.Total, n.Free = 0, 0

	return g.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(networkKey(n.Name)); err == nil {
			return fmt.Errorf("store: network %s already exists: %w", n.Name, domain.ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := putJSON(txn, networkKey(n.Name), &n); err != nil {
			return err
		}

		for _, addr := range addresses {
			if _, err := txn.Get(addressKey(addr)); err == nil {
				return fmt.Errorf("store: address %s is already pooled: %w", addr, domain.ErrConflict)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := putJSON(txn, addressKey(addr), &addressDoc{Network: n.Name}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListNetworks returns every network with its address counts.
func (g *BadgerGateway) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	var networks []domain.Network
	err := g.db.View(func(txn *badger.Txn) error {
		index := make(map[string]int)
		err := eachJSON(txn, networkPrefix, func(_ []byte, n *domain.Network) error {
			index[n.Name] = len(networks)
			networks = append(networks, *n)
			return nil
		})
		if err != nil {
			return err
		}
		return eachJSON(txn, addressPrefix, func(_ []byte, doc *addressDoc) error {
			i, ok := index[doc.Network]
			if !ok {
				return nil
			}
			networks[i].Total++
			if doc.ServerID == "" {
				networks[i].Free++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(networks, func(i, j int) bool {
		if networks[i].Datacenter != networks[j].Datacenter {
			return networks[i].Datacenter < networks[j].Datacenter
		}
		return networks[i].Name < networks[j].Name
	})
	return networks, nil
}

// eachJSON decodes every value under prefix into a fresh T and calls fn.
// Returning an error from fn stops the iteration.
func eachJSON[T any](txn *badger.Txn, prefix string, fn func(key []byte, v *T) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		v := new(T)
		if err := item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, v)
		}); err != nil {
			return fmt.Errorf("store: decode failed: %w", err)
		}
		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, v)
	})
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
