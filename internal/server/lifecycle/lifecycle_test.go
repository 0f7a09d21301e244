package lifecycle

import (
	"errors"
	"math/rand"
	"testing"

	"nathanbeddoewebdev/vpsd/internal/server/domain"

	"github.com/google/go-cmp/cmp"
)

func TestDecide_Table(t *testing.T) {
	tests := []struct {
		current domain.Status
		action  domain.Action
		want    domain.Status
	}{
		{domain.StatusNone, domain.ActionCreate, domain.StatusSettingUp},
		{domain.StatusStopped, domain.ActionStart, domain.StatusStarting},
		{domain.StatusFailed, domain.ActionStart, domain.StatusStarting},
		{domain.StatusRunning, domain.ActionStop, domain.StatusStopping},
		{domain.StatusFailed, domain.ActionStop, domain.StatusStopping},
		{domain.StatusRunning, domain.ActionReboot, domain.StatusRebooting},
		{domain.StatusRunning, domain.ActionShutdown, domain.StatusShuttingDown},
		{domain.StatusStopped, domain.ActionDelete, domain.StatusDeleting},
		{domain.StatusFailed, domain.ActionDelete, domain.StatusDeleting},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"/"+string(tt.action), func(t *testing.T) {
			got, err := Decide(tt.current, tt.action)
			if err != nil {
				t.Fatalf("Decide() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Decide() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecide_DeleteRunningIsInvalid(t *testing.T) {
	_, err := Decide(domain.StatusRunning, domain.ActionDelete)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDecide_TransientAlwaysConflicts(t *testing.T) {
	for _, s := range domain.TransientStatuses {
		for _, a := range domain.Actions {
			_, err := Decide(s, a)
			if !errors.Is(err, domain.ErrActionConflict) {
				t.Errorf("Decide(%s, %s) error = %v, want ErrActionConflict", s, a, err)
			}
		}
	}
}

func TestDecide_CreateOnlyFromNone(t *testing.T) {
	for _, s := range domain.StableStatuses {
		if _, err := Decide(s, domain.ActionCreate); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("Decide(%s, create) error = %v, want ErrInvalidTransition", s, err)
		}
	}
}

func TestDecide_UnknownAction(t *testing.T) {
	if _, err := Decide(domain.StatusRunning, domain.Action("hibernate")); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

// Random (status, action) pairs must either land on the table's target or
// be rejected with exactly one of the two rejection errors.
func TestDecide_RandomPairsMatchTable(t *testing.T) {
	statuses := append([]domain.Status{domain.StatusNone, domain.Status("bogus")}, domain.StableStatuses...)
	statuses = append(statuses, domain.TransientStatuses...)
	actions := append([]domain.Action{domain.Action("bogus")}, domain.Actions...)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		s := statuses[rng.Intn(len(statuses))]
		a := actions[rng.Intn(len(actions))]

		got, err := Decide(s, a)
		want, inTable := transitions[edge{s, a}]

		switch {
		case s.IsTransient():
			if !errors.Is(err, domain.ErrActionConflict) {
				t.Fatalf("Decide(%s, %s) error = %v, want ErrActionConflict", s, a, err)
			}
		case inTable:
			if err != nil || got != want {
				t.Fatalf("Decide(%s, %s) = (%q, %v), want (%q, nil)", s, a, got, err, want)
			}
			if !got.IsTransient() {
				t.Fatalf("Decide(%s, %s) returned non-transient %q", s, a, got)
			}
		default:
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("Decide(%s, %s) error = %v, want ErrInvalidTransition", s, a, err)
			}
		}
	}
}

func TestTargetOnSuccess(t *testing.T) {
	tests := []struct {
		action  domain.Action
		want    domain.Status
		wantRow bool
	}{
		{domain.ActionCreate, domain.StatusRunning, true},
		{domain.ActionStart, domain.StatusRunning, true},
		{domain.ActionReboot, domain.StatusRunning, true},
		{domain.ActionStop, domain.StatusStopped, true},
		{domain.ActionShutdown, domain.StatusStopped, true},
		{domain.ActionDelete, domain.StatusNone, false},
	}
	for _, tt := range tests {
		got, ok := TargetOnSuccess(tt.action)
		if ok != tt.wantRow || got != tt.want {
			t.Errorf("TargetOnSuccess(%s) = (%q, %v), want (%q, %v)", tt.action, got, ok, tt.want, tt.wantRow)
		}
		if ok && !got.IsStable() {
			t.Errorf("TargetOnSuccess(%s) = %q is not stable", tt.action, got)
		}
	}
}

func TestAllowed(t *testing.T) {
	tests := map[domain.Status][]domain.Action{
		domain.StatusRunning:  {domain.ActionStop, domain.ActionReboot, domain.ActionShutdown},
		domain.StatusStopped:  {domain.ActionStart, domain.ActionDelete},
		domain.StatusFailed:   {domain.ActionStart, domain.ActionStop, domain.ActionDelete},
		domain.StatusStarting: nil,
	}
	for status, want := range tests {
		if diff := cmp.Diff(want, Allowed(status)); diff != "" {
			t.Errorf("Allowed(%s) mismatch (-want +got):\n%s", status, diff)
		}
	}
}
