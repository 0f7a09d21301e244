package serve

import (
	"path/filepath"
	"testing"

	"nathanbeddoewebdev/vpsd/internal/config"
)

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	config.SetPath(path)
	t.Cleanup(config.ResetPath)

	stored := &config.Config{Listen: ":7000", Hypervisor: "proxmox", Workers: 2}
	if err := stored.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cmd := NewCommand()
	if err := cmd.ParseFlags([]string{"--hypervisor", "sim", "--workers", "6"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("Listen = %q, want the file value", cfg.Listen)
	}
	if cfg.Hypervisor != "sim" || cfg.Workers != 6 {
		t.Errorf("flags not applied: hypervisor %q workers %d", cfg.Hypervisor, cfg.Workers)
	}
	if cfg.QueueSize == 0 || cfg.JobTimeout == 0 {
		t.Error("defaults not applied")
	}
}
