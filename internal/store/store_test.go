package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/server/domain"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func tempSQLite(t *testing.T, c *clock) *SQLiteGateway {
	t.Helper()
	g, err := OpenSQLite(filepath.Join(t.TempDir(), "vpsd.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	g.now = c.now
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func tempBadger(t *testing.T, c *clock) *BadgerGateway {
	t.Helper()
	g, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	g.now = c.now
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// forEachGateway runs fn against every backend.
func forEachGateway(t *testing.T, fn func(t *testing.T, g Gateway, c *clock)) {
	t.Helper()
	backends := map[string]func(*testing.T, *clock) Gateway{
		"sqlite": func(t *testing.T, c *clock) Gateway { return tempSQLite(t, c) },
		"badger": func(t *testing.T, c *clock) Gateway { return tempBadger(t, c) },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
			fn(t, open(t, c), c)
		})
	}
}

func newServer(id, user string, status domain.Status) (*domain.Server, *domain.Service) {
	return &domain.Server{ID: id, HostName: "web-" + id, Status: status},
		&domain.Service{ID: "svc-" + id, UserID: user, ProductID: "vps-small"}
}

func mustInsert(t *testing.T, g Gateway, id, user string, status domain.Status) {
	t.Helper()
	srv, svc := newServer(id, user, status)
	if err := g.Insert(context.Background(), srv, svc); err != nil {
		t.Fatalf("Insert(%s) failed: %v", id, err)
	}
}

func TestInsertAndGet(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, c *clock) {
		ctx := context.Background()
		srv, svc := newServer("s1", "u1", domain.StatusSettingUp)
		if err := g.Insert(ctx, srv, svc); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		got, err := g.Get(ctx, "s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		want := &domain.Server{
			ID:        "s1",
			HostName:  "web-s1",
			Status:    domain.StatusSettingUp,
			CreatedAt: c.now(),
			UpdatedAt: c.now(),
			Service: &domain.Service{
				ID:        "svc-s1",
				UserID:    "u1",
				ProductID: "vps-small",
				ServerID:  "s1",
				CreatedAt: c.now(),
			},
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
			t.Errorf("Get mismatch (-want +got):\n%s", diff)
		}
		if !got.OwnedBy("u1") || got.OwnedBy("u2") {
			t.Error("ownership not derived from service")
		}
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, _ *clock) {
		_, err := g.Get(context.Background(), "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCompareAndSwap(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, _ *clock) {
		ctx := context.Background()
		mustInsert(t, g, "s1", "u1", domain.StatusStopped)

		if err := g.CompareAndSwap(ctx, "s1", domain.StatusStopped, domain.StatusStarting, nil); err != nil {
			t.Fatalf("CAS failed: %v", err)
		}

		err := g.CompareAndSwap(ctx, "s1", domain.StatusStopped, domain.StatusStarting, nil)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict on stale expectation, got %v", err)
		}

		err = g.CompareAndSwap(ctx, "missing", domain.StatusStopped, domain.StatusStarting, nil)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		got, _ := g.Get(ctx, "s1")
		if got.Status != domain.StatusStarting {
			t.Errorf("status = %s, want starting", got.Status)
		}
	})
}

func TestCompareAndSwap_IdentityWrittenOnce(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, _ *clock) {
		ctx := context.Background()
		mustInsert(t, g, "s1", "u1", domain.StatusSettingUp)

		fields := &Fields{HypervisorID: "101", Node: "pve1", Address: "10.0.0.5", ClearError: true}
		if err := g.CompareAndSwap(ctx, "s1", domain.StatusSettingUp, domain.StatusRunning, fields); err != nil {
			t.Fatalf("CAS failed: %v", err)
		}

		got, _ := g.Get(ctx, "s1")
		if got.HypervisorID != "101" || got.Node != "pve1" || got.Address != "10.0.0.5" {
			t.Fatalf("identity not stored: %+v", got)
		}

		// Move through a transient status and try to rewrite the identity.
		if err := g.CompareAndSwap(ctx, "s1", domain.StatusRunning, domain.StatusRebooting, nil); err != nil {
			t.Fatalf("CAS failed: %v", err)
		}
		err := g.CompareAndSwap(ctx, "s1", domain.StatusRebooting, domain.StatusRunning, &Fields{HypervisorID: "202"})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict when overwriting identity, got %v", err)
		}

		got, _ = g.Get(ctx, "s1")
		if got.HypervisorID != "101" || got.Status != domain.StatusRebooting {
			t.Errorf("row changed by rejected write: %+v", got)
		}
	})
}

func TestCompareAndSwap_LastError(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, _ *clock) {
		ctx := context.Background()
		mustInsert(t, g, "s1", "u1", domain.StatusStopping)

		if err := g.CompareAndSwap(ctx, "s1", domain.StatusStopping, domain.StatusFailed, &Fields{LastError: "vm not found"}); err != nil {
			t.Fatalf("CAS failed: %v", err)
		}
		got, _ := g.Get(ctx, "s1")
		if got.LastError != "vm not found" {
			t.Fatalf("LastError = %q", got.LastError)
		}

		_ = g.CompareAndSwap(ctx, "s1", domain.StatusFailed, domain.StatusStarting, nil)
		_ = g.CompareAndSwap(ctx, "s1", domain.StatusStarting, domain.StatusRunning, &Fields{ClearError: true})
		got, _ = g.Get(ctx, "s1")
		if got.LastError != "" || got.Status != domain.StatusRunning {
			t.Errorf("expected cleared error and running, got %+v", got)
		}
	})
}

func TestCompareAndSwap_ConcurrentSingleWinner(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, _ *clock) {
		ctx := context.Background()
		mustInsert(t, g, "s1", "u1", domain.StatusStopped)

		const racers = 8
		var wg sync.WaitGroup
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- g.CompareAndSwap(ctx, "s1", domain.StatusStopped, domain.StatusStarting, nil)
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly 1 winner, got %d", wins)
		}
	})
}

func TestDelete(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, _ *clock) {
		ctx := context.Background()
		mustInsert(t, g, "s1", "u1", domain.StatusDeleting)

		err := g.Delete(ctx, "s1", domain.StatusStopped)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict for wrong status, got %v", err)
		}

		if err := g.Delete(ctx, "s1", domain.StatusDeleting); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := g.Get(ctx, "s1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		list, err := g.ListForUser(ctx, "u1")
		if err != nil {
			t.Fatalf("ListForUser failed: %v", err)
		}
		if len(list) != 0 {
			t.Errorf("expected no servers after delete, got %d", len(list))
		}
		if err := g.Delete(ctx, "s1", domain.StatusDeleting); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestListForUser(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, c *clock) {
		ctx := context.Background()
		mustInsert(t, g, "a", "u1", domain.StatusRunning)
		c.advance(time.Second)
		mustInsert(t, g, "b", "u2", domain.StatusStopped)
		c.advance(time.Second)
		mustInsert(t, g, "c", "u1", domain.StatusSettingUp)

		list, err := g.ListForUser(ctx, "u1")
		if err != nil {
			t.Fatalf("ListForUser failed: %v", err)
		}
		var ids []string
		for _, s := range list {
			ids = append(ids, s.ID)
		}
		if diff := cmp.Diff([]string{"a", "c"}, ids); diff != "" {
			t.Errorf("ListForUser mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestListTransientOlderThan(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, c *clock) {
		ctx := context.Background()
		mustInsert(t, g, "old", "u1", domain.StatusStarting)
		mustInsert(t, g, "stable", "u1", domain.StatusRunning)
		c.advance(time.Hour)
		mustInsert(t, g, "fresh", "u1", domain.StatusStopping)

		stale, err := g.ListTransientOlderThan(ctx, c.now().Add(-30*time.Minute))
		if err != nil {
			t.Fatalf("ListTransientOlderThan failed: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != "old" {
			t.Fatalf("expected only 'old', got %+v", stale)
		}
	})
}

func TestInsertLegacy_Idempotent(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, _ *clock) {
		ctx := context.Background()

		for i, id := range []string{"first", "second"} {
			srv := &domain.Server{ID: id, HostName: "legacy-1", Status: domain.StatusRunning, LegacyID: "whmcs-7"}
			svc := &domain.Service{ID: "svc-" + id, UserID: "u1", ProductID: "p1", LegacyID: "whmcs-7"}
			inserted, err := g.InsertLegacy(ctx, srv, svc)
			if err != nil {
				t.Fatalf("InsertLegacy #%d failed: %v", i+1, err)
			}
			if inserted != (i == 0) {
				t.Fatalf("InsertLegacy #%d inserted = %v", i+1, inserted)
			}
		}

		list, _ := g.ListForUser(ctx, "u1")
		if len(list) != 1 || list[0].ID != "first" || list[0].LegacyID != "whmcs-7" {
			t.Fatalf("expected one legacy row, got %+v", list)
		}
	})
}

func TestInsertLegacy_RequiresLegacyID(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway, _ *clock) {
		srv, svc := newServer("s1", "u1", domain.StatusRunning)
		if _, err := g.InsertLegacy(context.Background(), srv, svc); err == nil {
			t.Fatal("expected error for missing legacy id")
		}
	})
}

func TestListOrphans_SQLite(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := tempSQLite(t, c)
	mustInsert(t, g, "owned", "u1", domain.StatusRunning)

	ts := c.now().Format(timeLayout)
	_, err := g.db.Exec(`INSERT INTO servers (id, host_name, status, created_at, updated_at) VALUES ('orphan', 'x1', 'running', ?, ?)`, ts, ts)
	if err != nil {
		t.Fatalf("raw insert failed: %v", err)
	}

	orphans, err := g.ListOrphans(context.Background())
	if err != nil {
		t.Fatalf("ListOrphans failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "orphan" {
		t.Fatalf("expected only 'orphan', got %+v", orphans)
	}
}

func TestListOrphans_Badger(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := tempBadger(t, c)
	mustInsert(t, g, "owned", "u1", domain.StatusRunning)

	err := g.db.Update(func(txn *badger.Txn) error {
		return putDoc(txn, &serverDoc{Server: domain.Server{ID: "orphan", HostName: "x1", Status: domain.StatusRunning}})
	})
	if err != nil {
		t.Fatalf("raw put failed: %v", err)
	}

	orphans, err := g.ListOrphans(context.Background())
	if err != nil {
		t.Fatalf("ListOrphans failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "orphan" {
		t.Fatalf("expected only 'orphan', got %+v", orphans)
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	dir := t.TempDir()

	g, err := Open(&config.Config{DatabasePath: filepath.Join(dir, "vpsd.db")})
	if err != nil {
		t.Fatalf("Open sqlite failed: %v", err)
	}
	if _, ok := g.(*SQLiteGateway); !ok {
		t.Errorf("default backend is %T, want *SQLiteGateway", g)
	}
	_ = g.Close()

	g, err = Open(&config.Config{Storage: "badger", DatabasePath: filepath.Join(dir, "vpsd.db")})
	if err != nil {
		t.Fatalf("Open badger failed: %v", err)
	}
	if _, ok := g.(*BadgerGateway); !ok {
		t.Errorf("badger backend is %T, want *BadgerGateway", g)
	}
	_ = g.Close()

	if _, err := Open(&config.Config{Storage: "etcd", DatabasePath: filepath.Join(dir, "vpsd.db")}); err == nil {
		t.Error("expected an error for an unknown backend")
	}
}
