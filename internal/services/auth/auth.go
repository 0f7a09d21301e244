// Package auth stores hypervisor API tokens outside the orchestration
// core. Tokens are read from the environment first and from the OS
// keychain otherwise.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"nathanbeddoewebdev/vpsd/internal/util"
)

const ServiceName = "vpsd"

var ErrTokenNotFound = errors.New("auth token not found")

type Store interface {
	SetToken(hypervisor string, token string) error
	GetToken(hypervisor string) (string, error)
	DeleteToken(hypervisor string) error
}

// DefaultStore returns the standard auth store backed by the OS keychain.
func DefaultStore() Store {
	return NewKeyringStore(ServiceName)
}

// NormalizeHypervisor normalizes a hypervisor name for consistent key lookup.
func NormalizeHypervisor(hypervisor string) string {
	return util.NormalizeKey(hypervisor)
}

// EnvVar returns the environment variable consulted for a hypervisor's
// token, e.g. VPSD_PROXMOX_TOKEN.
func EnvVar(hypervisor string) string {
	name := strings.ToUpper(NormalizeHypervisor(hypervisor))
	name = strings.NewReplacer("-", "_", ".", "_").Replace(name)
	return "VPSD_" + name + "_TOKEN"
}

// ResolveToken returns the token for hypervisor from the environment or,
// failing that, from store.
func ResolveToken(store Store, hypervisor string) (string, error) {
	if token := strings.TrimSpace(os.Getenv(EnvVar(hypervisor))); token != "" {
		return token, nil
	}
	if store == nil {
		return "", fmt.Errorf("no token for %s: set %s: %w", hypervisor, EnvVar(hypervisor), ErrTokenNotFound)
	}
	token, err := store.GetToken(hypervisor)
	if errors.Is(err, ErrTokenNotFound) {
		return "", fmt.Errorf("no token for %s: run 'vpsd auth login %s' or set %s: %w",
			hypervisor, NormalizeHypervisor(hypervisor), EnvVar(hypervisor), ErrTokenNotFound)
	}
	return token, err
}
