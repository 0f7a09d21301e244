package providers

import (
	"fmt"
	"sort"
	"sync"

	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/services/auth"
	"nathanbeddoewebdev/vpsd/internal/util"
)

// Factory builds a Hypervisor from the service configuration and the
// token store.
type Factory func(cfg *config.Config, store auth.Store) (domain.Hypervisor, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds a hypervisor factory to the registry.
// It panics on empty name, nil factory, or duplicate registration
// (programmer errors detected at startup).
func Register(name string, factory Factory) {
	normalizedName := util.NormalizeKey(name)
	if normalizedName == "" {
		panic("hypervisor/providers: empty hypervisor name")
	}
	if factory == nil {
		panic("hypervisor/providers: nil factory")
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[normalizedName]; exists {
		panic(fmt.Sprintf("hypervisor/providers: hypervisor %q already registered", name))
	}

	registry[normalizedName] = factory
}

// Get builds the named hypervisor.
func Get(name string, cfg *config.Config, store auth.Store) (domain.Hypervisor, error) {
	normalizedName := util.NormalizeKey(name)
	mu.RLock()
	factory, ok := registry[normalizedName]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("hypervisor/providers: unknown hypervisor %q (available: %v)", name, List())
	}

	return factory(cfg, store)
}

// RegisterDefaults registers every built-in hypervisor.
func RegisterDefaults() {
	RegisterProxmox()
	RegisterHetzner()
	RegisterSim()
}

// Reset clears the hypervisor registry. Intended for use in tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[string]Factory{}
}

// List returns the registered hypervisor names in sorted order.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
