package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	shared "nathanbeddoewebdev/vpsd/internal/domain"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
)

func TestSim_Lifecycle(t *testing.T) {
	ctx := context.Background()
	sim := NewSimHypervisor(0)

	p, err := sim.Clone(ctx, domain.CloneSpec{HostName: "web1", IPConfig: "ip=10.9.9.9/24"})
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if p.Address != "10.9.9.9" || p.VM.Node != simNode || p.VM.ID == "" {
		t.Fatalf("unexpected provisioned: %+v", p)
	}

	steps := []struct {
		name string
		call func(context.Context, domain.VMRef) error
		want domain.RemoteState
	}{
		{"power off", sim.PowerOff, domain.StateStopped},
		{"power on", sim.PowerOn, domain.StateRunning},
		{"reboot", sim.Reboot, domain.StateRunning},
		{"shutdown", sim.GracefulShutdown, domain.StateStopped},
	}
	for _, s := range steps {
		if err := s.call(ctx, p.VM); err != nil {
			t.Fatalf("%s failed: %v", s.name, err)
		}
		got, err := sim.QueryStatus(ctx, p.VM)
		if err != nil {
			t.Fatalf("QueryStatus after %s failed: %v", s.name, err)
		}
		if got != s.want {
			t.Errorf("after %s: state = %q, want %q", s.name, got, s.want)
		}
	}

	if err := sim.Reboot(ctx, p.VM); !errors.Is(err, shared.ErrRemotePermanent) {
		t.Errorf("reboot of stopped vm: expected permanent error, got %v", err)
	}

	if err := sim.Destroy(ctx, p.VM); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := sim.Destroy(ctx, p.VM); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("second Destroy: expected ErrNotFound, got %v", err)
	}
	if _, ok := sim.State(p.VM.ID); ok {
		t.Error("vm still present after destroy")
	}
}

func TestSim_FailureInjection(t *testing.T) {
	sim := NewSimHypervisor(0)
	injected := domain.Transient("power_on", errors.New("injected"))
	sim.Fail = func(op string, _ domain.VMRef) error {
		if op == "power_on" {
			return injected
		}
		return nil
	}

	p, err := sim.Clone(context.Background(), domain.CloneSpec{HostName: "web1"})
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if err := sim.PowerOn(context.Background(), p.VM); !errors.Is(err, injected) {
		t.Errorf("expected injected error, got %v", err)
	}
}

func TestSim_LatencyHonoursContext(t *testing.T) {
	sim := NewSimHypervisor(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sim.Clone(ctx, domain.CloneSpec{HostName: "web1"})
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
