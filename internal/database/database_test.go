package database

import (
	"path/filepath"
	"testing"
)

func TestOpen_AppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vpsd.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"servers", "services", "actions", "audit_log", "networks", "ip_addresses"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpsd.db")
	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		db.Close()
	}
}

func TestDefaultPath_Override(t *testing.T) {
	SetPath("/tmp/custom.db")
	t.Cleanup(ResetPath)

	got, err := DefaultPath()
	if err != nil {
		t.Fatalf("DefaultPath failed: %v", err)
	}
	if got != "/tmp/custom.db" {
		t.Errorf("DefaultPath() = %q, want /tmp/custom.db", got)
	}
}
