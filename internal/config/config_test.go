package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent", "config.json")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(&Config{}, cfg); diff != "" {
		t.Errorf("expected zero config (-want +got):\n%s", diff)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpsd", "config.json")

	want := &Config{
		Hypervisor: "proxmox",
		Proxmox:    ProxmoxConfig{URL: "https://pve1:8006", InsecureSkipVerify: true},
		Templates:  map[string]string{"ubuntu-2204": "pve1/9000"},
		Workers:    8,
		Retry:      RetryConfig{MaxAttempts: 5, BaseDelay: Duration(time.Second)},
		JobTimeout: Duration(10 * time.Minute),
	}
	if err := want.SaveTo(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestDurationsAreStoredAsStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{JobTimeout: Duration(90 * time.Second)}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if want := `"job_timeout": "1m30s"`; !strings.Contains(string(data), want) {
		t.Errorf("expected %s in %s", want, data)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"job_timeout": "soon"}`), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deep")
	path := filepath.Join(dir, "config.json")

	cfg := &Config{Hypervisor: "hetzner"}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file at %s: %v", path, err)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json}"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	_, err := LoadFrom(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := (&Config{Hypervisor: "proxmox", Workers: 2}).WithDefaults()

	if cfg.Hypervisor != "proxmox" || cfg.Workers != 2 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
	if cfg.Listen != ":8080" || cfg.Storage != "sqlite" || cfg.QueueSize != 64 {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	policy := cfg.RetryPolicy()
	if policy.MaxAttempts != 3 || policy.BaseDelay != 500*time.Millisecond || policy.AttemptTimeout != 2*time.Minute {
		t.Errorf("unexpected retry policy: %+v", policy)
	}
}

func TestWithDefaults_DoesNotMutateReceiver(t *testing.T) {
	cfg := &Config{}
	_ = cfg.WithDefaults()
	if cfg.Listen != "" {
		t.Error("WithDefaults mutated the receiver")
	}
}
