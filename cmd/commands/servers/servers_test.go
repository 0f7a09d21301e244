package servers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/store"
)

func setup(t *testing.T) *store.SQLiteGateway {
	t.Helper()
	dir := t.TempDir()
	config.SetPath(filepath.Join(dir, "config.json"))
	t.Cleanup(config.ResetPath)

	dbPath := filepath.Join(dir, "vpsd.db")
	cfg := &config.Config{DatabasePath: dbPath}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	gw, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func insert(t *testing.T, gw store.Gateway, id, user string, status domain.Status) {
	t.Helper()
	srv := &domain.Server{ID: id, HostName: "web-" + id, Status: status}
	svc := &domain.Service{ID: "svc-" + id, UserID: user, ProductID: "vps", ServerID: id}
	if err := gw.Insert(context.Background(), srv, svc); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

func execServers(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestList(t *testing.T) {
	gw := setup(t)
	insert(t, gw, "a", "u1", domain.StatusRunning)
	insert(t, gw, "b", "u2", domain.StatusStopped)

	out, err := execServers(t, "list", "--user", "u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "web-a") || strings.Contains(out, "web-b") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	out, err = execServers(t, "list", "--user", "u1", "-o", "json")
	if err != nil {
		t.Fatalf("list json failed: %v", err)
	}
	var servers []domain.Server
	if err := json.Unmarshal([]byte(out), &servers); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(servers) != 1 || servers[0].ID != "a" {
		t.Errorf("servers = %+v", servers)
	}

	if _, err := execServers(t, "list"); err == nil {
		t.Error("expected an error without --user")
	}
}

func TestScan_Clean(t *testing.T) {
	gw := setup(t)
	insert(t, gw, "a", "u1", domain.StatusRunning)

	out, err := execServers(t, "scan")
	if err != nil {
		t.Fatalf("scan failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No orphaned servers.") {
		t.Errorf("unexpected scan output:\n%s", out)
	}
}

func TestScan_ReportsStale(t *testing.T) {
	gw := setup(t)
	insert(t, gw, "a", "u1", domain.StatusRunning)
	if err := gw.CompareAndSwap(context.Background(), "a", domain.StatusRunning, domain.StatusStarting, nil); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	out, err := execServers(t, "scan", "--stale-after", "1ms", "-o", "json")
	if !errors.Is(err, ErrFindings) {
		t.Fatalf("error = %v, want ErrFindings", err)
	}
	var result scanResult
	if jerr := json.Unmarshal([]byte(out[:strings.LastIndex(out, "}")+1]), &result); jerr != nil {
		t.Fatalf("output is not JSON: %v\n%s", jerr, out)
	}
	if len(result.Stale) != 1 || result.Stale[0].ID != "a" {
		t.Errorf("stale = %+v", result.Stale)
	}
}

func TestScan_TableIsPlainWhenPiped(t *testing.T) {
	gw := setup(t)
	insert(t, gw, "a", "u1", domain.StatusRunning)
	if err := gw.CompareAndSwap(context.Background(), "a", domain.StatusRunning, domain.StatusDeleting, nil); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	out, err := execServers(t, "scan", "--stale-after", "1ms")
	if !errors.Is(err, ErrFindings) {
		t.Fatalf("error = %v, want ErrFindings", err)
	}
	if !strings.Contains(out, "Servers transient for longer than 1ms:") || !strings.Contains(out, "web-a") {
		t.Errorf("unexpected scan output:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("piped output carries escape codes:\n%q", out)
	}
}
