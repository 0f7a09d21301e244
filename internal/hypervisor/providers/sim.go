package providers

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"nathanbeddoewebdev/vpsd/internal/config"
	shared "nathanbeddoewebdev/vpsd/internal/domain"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/services/auth"
)

const (
	simLatency = 250 * time.Millisecond
	simNode    = "sim1"
)

// Compile-time check that SimHypervisor satisfies domain.Hypervisor.
var _ domain.Hypervisor = (*SimHypervisor)(nil)

// SimHypervisor is an in-process hypervisor for local development and
// tests. Machines live in memory; every call sleeps for Latency and then
// consults Fail, which may return an error to inject a failure.
type SimHypervisor struct {
	Latency time.Duration
	Fail    func(op string, vm domain.VMRef) error

	mu     sync.Mutex
	vms    map[string]*simVM
	nextID int
}

type simVM struct {
	name    string
	address string
	state   domain.RemoteState
}

func NewSimHypervisor(latency time.Duration) *SimHypervisor {
	return &SimHypervisor{
		Latency: latency,
		vms:     make(map[string]*simVM),
		nextID:  100,
	}
}

// RegisterSim registers the simulated hypervisor. It needs no credentials.
func RegisterSim() {
	Register("sim", func(*config.Config, auth.Store) (domain.Hypervisor, error) {
		return NewSimHypervisor(simLatency), nil
	})
}

func (s *SimHypervisor) Name() string { return "sim" }

// State returns the simulated power state of a machine, and false if it
// does not exist.
func (s *SimHypervisor) State(id string) (domain.RemoteState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return domain.StateUnknown, false
	}
	return vm.state, true
}

func (s *SimHypervisor) begin(ctx context.Context, op string, vm domain.VMRef) error {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.Transient(op, ctx.Err())
		case <-timer.C:
		}
	}
	if s.Fail != nil {
		return s.Fail(op, vm)
	}
	return nil
}

func (s *SimHypervisor) Clone(ctx context.Context, spec domain.CloneSpec) (*domain.Provisioned, error) {
	if err := s.begin(ctx, "clone", domain.VMRef{}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := strconv.Itoa(s.nextID)
	address := addressFromIPConfig(spec.IPConfig)
	if address == "" {
		address = fmt.Sprintf("10.0.%d.%d", (s.nextID/250)%250, s.nextID%250+2)
	}
	s.vms[id] = &simVM{name: spec.HostName, address: address, state: domain.StateRunning}
	return &domain.Provisioned{VM: domain.VMRef{ID: id, Node: simNode}, Address: address}, nil
}

func (s *SimHypervisor) PowerOn(ctx context.Context, vm domain.VMRef) error {
	return s.setState(ctx, "power_on", vm, domain.StateRunning, false)
}

func (s *SimHypervisor) PowerOff(ctx context.Context, vm domain.VMRef) error {
	return s.setState(ctx, "power_off", vm, domain.StateStopped, false)
}

func (s *SimHypervisor) Reboot(ctx context.Context, vm domain.VMRef) error {
	return s.setState(ctx, "reboot", vm, domain.StateRunning, true)
}

func (s *SimHypervisor) GracefulShutdown(ctx context.Context, vm domain.VMRef) error {
	return s.setState(ctx, "shutdown", vm, domain.StateStopped, true)
}

func (s *SimHypervisor) Destroy(ctx context.Context, vm domain.VMRef) error {
	if err := s.begin(ctx, "destroy", vm); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vms[vm.ID]; !ok {
		return domain.Permanent("destroy", fmt.Errorf("vm %s: %w", vm.ID, shared.ErrNotFound))
	}
	delete(s.vms, vm.ID)
	return nil
}

func (s *SimHypervisor) QueryStatus(ctx context.Context, vm domain.VMRef) (domain.RemoteState, error) {
	if err := s.begin(ctx, "query_status", vm); err != nil {
		return domain.StateUnknown, err
	}
	state, ok := s.State(vm.ID)
	if !ok {
		return domain.StateUnknown, domain.Permanent("query_status", fmt.Errorf("vm %s: %w", vm.ID, shared.ErrNotFound))
	}
	return state, nil
}

// setState applies a power transition. Guest-initiated transitions
// (reboot, shutdown) require a running machine.
func (s *SimHypervisor) setState(ctx context.Context, op string, vm domain.VMRef, next domain.RemoteState, needsGuest bool) error {
	if err := s.begin(ctx, op, vm); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	machine, ok := s.vms[vm.ID]
	if !ok {
		return domain.Permanent(op, fmt.Errorf("vm %s: %w", vm.ID, shared.ErrNotFound))
	}
	if needsGuest && machine.state != domain.StateRunning {
		return domain.Permanent(op, fmt.Errorf("vm %s is not running", vm.ID))
	}
	machine.state = next
	return nil
}
