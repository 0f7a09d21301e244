package auth

import (
	"bytes"
	"strings"
	"testing"

	"nathanbeddoewebdev/vpsd/internal/hypervisor/providers"
	"nathanbeddoewebdev/vpsd/internal/services/auth"
)

func useMockStore(t *testing.T) *auth.MockStore {
	t.Helper()
	store := auth.NewMockStore()
	newStore = func() auth.Store { return store }
	t.Cleanup(func() { newStore = auth.DefaultStore })
	return store
}

func execAuth(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoginAndLogout(t *testing.T) {
	store := useMockStore(t)

	out, err := execAuth(t, "login", "Proxmox", "--token", "root@pam!ci=secret")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !strings.Contains(out, "Saved token for hypervisor proxmox") {
		t.Errorf("unexpected output: %s", out)
	}
	if got, _ := store.GetToken("proxmox"); got != "root@pam!ci=secret" {
		t.Errorf("stored token = %q", got)
	}

	out, err = execAuth(t, "logout", "proxmox")
	if err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if !strings.Contains(out, "Removed token") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = execAuth(t, "logout", "proxmox")
	if err != nil {
		t.Fatalf("second logout failed: %v", err)
	}
	if !strings.Contains(out, "No token stored") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestStatus(t *testing.T) {
	store := useMockStore(t)
	providers.Reset()
	providers.RegisterDefaults()
	t.Cleanup(providers.Reset)

	_ = store.SetToken("hetzner", "tok")
	t.Setenv("VPSD_PROXMOX_TOKEN", "env-token")

	out, err := execAuth(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"hetzner", "logged in (keychain)", "logged in (VPSD_PROXMOX_TOKEN)", "sim"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
