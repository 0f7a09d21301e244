package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"nathanbeddoewebdev/vpsd/internal/server/domain"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	serverPrefix  = "server:"
	userPrefix    = "user:"
	legacyPrefix  = "legacy:"
	networkPrefix = "network:"
	addressPrefix = "ip:"
	holderPrefix  = "iphold:"
)

// BadgerGateway implements Gateway on an embedded Badger key-value store.
// Each server is stored as one JSON document together with its service;
// per-user and legacy-id lookups are maintained as index keys in the same
// transaction. Concurrent writers to the same key are serialized by
// Badger's optimistic transactions, whose conflicts surface as
// ErrConflict.
type BadgerGateway struct {
	db  *badger.DB
	now func() time.Time
}

type serverDoc struct {
	Server  domain.Server   `json:"server"`
	Service *domain.Service `json:"service,omitempty"`
}

// OpenBadger opens a Badger store in dir. An empty dir opens an in-memory
// store.
func OpenBadger(dir string) (*BadgerGateway, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(dir)).WithValueLogFileSize(1 << 24)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open badger: %w", err)
	}
	return &BadgerGateway{db: db, now: time.Now}, nil
}

func serverKey(id string) []byte { return []byte(serverPrefix + id) }

func userKey(userID, serverID string) []byte {
	return []byte(userPrefix + userID + ":" + serverID)
}

func legacyKey(legacyID string) []byte { return []byte(legacyPrefix + legacyID) }

// Get returns a server by id.
func (g *BadgerGateway) Get(ctx context.Context, id string) (*domain.Server, error) {
	var doc *serverDoc
	err := g.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getDoc(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc.toServer(), nil
}

// Insert stores srv and svc atomically.
func (g *BadgerGateway) Insert(ctx context.Context, srv *domain.Server, svc *domain.Service) error {
	_, err := g.insert(srv, svc, false)
	return err
}

// InsertLegacy stores srv and svc unless srv.LegacyID is already indexed.
func (g *BadgerGateway) InsertLegacy(ctx context.Context, srv *domain.Server, svc *domain.Service) (bool, error) {
	if srv.LegacyID == "" {
		return false, fmt.Errorf("store: legacy insert requires a legacy id")
	}
	return g.insert(srv, svc, true)
}

func (g *BadgerGateway) insert(srv *domain.Server, svc *domain.Service, skipExisting bool) (bool, error) {
	if svc == nil {
		return false, fmt.Errorf("store: server %s has no service", srv.ID)
	}

	now := g.now().UTC()
	inserted := false
	err := g.update(func(txn *badger.Txn) error {
		var err error
		inserted, err = insertDoc(txn, srv, svc, skipExisting, now)
		return err
	})
	if err != nil {
		return false, err
	}
	if inserted {
		srv.CreatedAt, srv.UpdatedAt = now, now
		srv.Service = svc
	}
	return inserted, nil
}

// insertDoc writes the server document and its index keys inside txn. It
// reports false when skipExisting suppressed an already imported row.
func insertDoc(txn *badger.Txn, srv *domain.Server, svc *domain.Service, skipExisting bool, now time.Time) (bool, error) {
	if srv.LegacyID != "" {
		_, err := txn.Get(legacyKey(srv.LegacyID))
		switch {
		case err == nil && skipExisting:
			return false, nil
		case err == nil:
			return false, fmt.Errorf("store: legacy id %s already imported: %w", srv.LegacyID, domain.ErrConflict)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return false, err
		}
	}
	if _, err := txn.Get(serverKey(srv.ID)); err == nil {
		return false, fmt.Errorf("store: server %s already exists: %w", srv.ID, domain.ErrConflict)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}

	svc.ServerID = srv.ID
	svc.CreatedAt = now
	stored := *srv
	stored.CreatedAt, stored.UpdatedAt = now, now
	stored.Service = nil
	doc := &serverDoc{Server: stored, Service: svc}

	if err := putDoc(txn, doc); err != nil {
		return false, err
	}
	if err := txn.Set(userKey(svc.UserID, srv.ID), nil); err != nil {
		return false, err
	}
	if srv.LegacyID != "" {
		if err := txn.Set(legacyKey(srv.LegacyID), []byte(srv.ID)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// CompareAndSwap performs a conditional status update.
func (g *BadgerGateway) CompareAndSwap(ctx context.Context, id string, expected, next domain.Status, fields *Fields) error {
	return g.update(func(txn *badger.Txn) error {
		doc, err := getDoc(txn, id)
		if err != nil {
			return err
		}
		if doc.Server.Status != expected {
			return fmt.Errorf("store: server %s is %s, expected %s: %w", id, doc.Server.Status, expected, domain.ErrConflict)
		}

		if fields.setsIdentity() {
			if doc.Server.HypervisorID != "" {
				return fmt.Errorf("store: server %s already has a hypervisor identity: %w", id, domain.ErrConflict)
			}
			doc.Server.HypervisorID = fields.HypervisorID
			doc.Server.Node = fields.Node
			if fields.Address != "" {
				doc.Server.Address = fields.Address
			}
		}
		if fields != nil {
			switch {
			case fields.LastError != "":
				doc.Server.LastError = fields.LastError
			case fields.ClearError:
				doc.Server.LastError = ""
			}
		}

		doc.Server.Status = next
		doc.Server.UpdatedAt = g.now().UTC()
		return putDoc(txn, doc)
	})
}

// Delete removes the server and its index keys when the status matches
// and releases its address.
func (g *BadgerGateway) Delete(ctx context.Context, id string, expected domain.Status) error {
	return g.update(func(txn *badger.Txn) error {
		doc, err := getDoc(txn, id)
		if err != nil {
			return err
		}
		if doc.Server.Status != expected {
			return fmt.Errorf("store: server %s is %s, expected %s: %w", id, doc.Server.Status, expected, domain.ErrConflict)
		}
		if err := txn.Delete(serverKey(id)); err != nil {
			return err
		}
		if doc.Service != nil {
			if err := txn.Delete(userKey(doc.Service.UserID, id)); err != nil {
				return err
			}
		}
		if err := releaseAddress(txn, id); err != nil {
			return err
		}
		if doc.Server.LegacyID != "" {
			return txn.Delete(legacyKey(doc.Server.LegacyID))
		}
		return nil
	})
}

// ListForUser returns the servers owned by userID.
func (g *BadgerGateway) ListForUser(ctx context.Context, userID string) ([]domain.Server, error) {
	var servers []domain.Server
	err := g.db.View(func(txn *badger.Txn) error {
		prefix := []byte(userPrefix + userID + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			serverID := string(it.Item().Key()[len(prefix):])
			doc, err := getDoc(txn, serverID)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			servers = append(servers, *doc.toServer())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(servers)
	return servers, nil
}

// ListTransientOlderThan returns servers stuck in a transient status.
func (g *BadgerGateway) ListTransientOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Server, error) {
	servers, err := g.scan(func(doc *serverDoc) bool {
		return doc.Server.Status.IsTransient() && doc.Server.UpdatedAt.Before(cutoff)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].UpdatedAt.Before(servers[j].UpdatedAt)
	})
	return servers, nil
}

// ListOrphans returns servers without a service.
func (g *BadgerGateway) ListOrphans(ctx context.Context) ([]domain.Server, error) {
	servers, err := g.scan(func(doc *serverDoc) bool { return doc.Service == nil })
	if err != nil {
		return nil, err
	}
	sortByCreated(servers)
	return servers, nil
}

// Close releases the underlying store.
func (g *BadgerGateway) Close() error {
	return g.db.Close()
}

func (g *BadgerGateway) scan(match func(*serverDoc) bool) ([]domain.Server, error) {
	var servers []domain.Server
	err := g.db.View(func(txn *badger.Txn) error {
		prefix := []byte(serverPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc serverDoc
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &doc)
			}); err != nil {
				return fmt.Errorf("store: decode failed: %w", err)
			}
			if match(&doc) {
				servers = append(servers, *doc.toServer())
			}
		}
		return nil
	})
	return servers, err
}

// update runs fn in a read-write transaction and reports Badger's
// optimistic-concurrency conflicts as ErrConflict.
func (g *BadgerGateway) update(fn func(txn *badger.Txn) error) error {
	err := g.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("store: concurrent update: %w", domain.ErrConflict)
	}
	return err
}

func getDoc(txn *badger.Txn, id string) (*serverDoc, error) {
	item, err := txn.Get(serverKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("store: server %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var doc serverDoc
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &doc)
	}); err != nil {
		return nil, fmt.Errorf("store: decode failed: %w", err)
	}
	return &doc, nil
}

func putDoc(txn *badger.Txn, doc *serverDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return txn.Set(serverKey(doc.Server.ID), data)
}

func (d *serverDoc) toServer() *domain.Server {
	srv := d.Server
	if d.Service != nil {
		svc := *d.Service
		srv.Service = &svc
	}
	return &srv
}

func sortByCreated(servers []domain.Server) {
	sort.SliceStable(servers, func(i, j int) bool {
		if servers[i].CreatedAt.Equal(servers[j].CreatedAt) {
			return servers[i].ID < servers[j].ID
		}
		return servers[i].CreatedAt.Before(servers[j].CreatedAt)
	})
}
