package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nathanbeddoewebdev/vpsd/internal/actionstore"
	hvdomain "nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/providers"
	"nathanbeddoewebdev/vpsd/internal/retry"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/server/lifecycle"
	"nathanbeddoewebdev/vpsd/internal/store"
)

const testUser = "user-1"

type harness struct {
	orch    *Orchestrator
	store   store.Gateway
	actions actionstore.ActionRepository
	sim     *providers.SimHypervisor
}

func testConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 16,
		Retry: retry.Config{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
		JobTimeout:      5 * time.Second,
		ConfirmInterval: time.Millisecond,
		Templates:       map[string]string{"ubuntu-2404": "ubuntu-24.04"},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw, err := store.OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })

	network := domain.Network{Name: "fsn1-lan", Datacenter: "fsn1", Gateway: "10.1.0.1", SubnetMask: "255.255.255.0"}
	if err := gw.AddNetwork(context.Background(), network, []string{"10.1.0.20", "10.1.0.21", "10.1.0.22"}); err != nil {
		t.Fatalf("AddNetwork failed: %v", err)
	}

	actions, err := actionstore.OpenAt(filepath.Join(t.TempDir(), "vpsd.db"))
	if err != nil {
		t.Fatalf("actionstore.OpenAt failed: %v", err)
	}
	t.Cleanup(func() { _ = actions.Close() })

	sim := providers.NewSimHypervisor(0)
	orch, err := New(testConfig(), Deps{
		Store:      gw,
		Actions:    actions,
		Hypervisor: sim,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, store: gw, actions: actions, sim: sim}
}

// seed inserts a server that already exists on the simulated hypervisor
// in the given status.
func (h *harness) seed(t *testing.T, id string, status domain.Status) {
	t.Helper()
	ctx := context.Background()
	p, err := h.sim.Clone(ctx, hvdomain.CloneSpec{TemplateRef: "ubuntu-24.04", HostName: "web-" + id})
	if err != nil {
		t.Fatalf("sim clone failed: %v", err)
	}
	if status != domain.StatusRunning {
		if err := h.sim.PowerOff(ctx, p.VM); err != nil {
			t.Fatalf("sim power off failed: %v", err)
		}
	}
	srv := &domain.Server{
		ID:           id,
		HypervisorID: p.VM.ID,
		Node:         p.VM.Node,
		Address:      p.Address,
		HostName:     "web-" + id,
		Status:       status,
	}
	svc := &domain.Service{ID: "svc-" + id, UserID: testUser, ProductID: "vps-small", ServerID: id}
	if err := h.store.Insert(ctx, srv, svc); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

// waitFor polls the server until it leaves transient status and returns
// it, or nil if the row was removed.
func (h *harness) waitFor(t *testing.T, id string) *domain.Server {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		srv, err := h.store.Get(context.Background(), id)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if srv.Status.IsStable() {
			return srv
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server %s did not settle", id)
	return nil
}

// freeAddresses returns the number of unassigned addresses in fsn1.
func (h *harness) freeAddresses(t *testing.T) int {
	t.Helper()
	networks, err := h.store.ListNetworks(context.Background())
	if err != nil {
		t.Fatalf("ListNetworks failed: %v", err)
	}
	free := 0
	for _, n := range networks {
		free += n.Free
	}
	return free
}

func (h *harness) waitRecord(t *testing.T, serverID string) actionstore.ActionRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		records, err := h.actions.ListByServer(serverID, 1)
		if err != nil {
			t.Fatalf("ListByServer failed: %v", err)
		}
		if len(records) == 1 && records[0].IsComplete() {
			return records[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no completed record for server %s", serverID)
	return actionstore.ActionRecord{}
}

func TestCreate_ReachesRunning(t *testing.T) {
	h := newHarness(t)

	srv, receipt, err := h.orch.Create(context.Background(), domain.CreateServerOpts{
		UserID:     testUser,
		ProductID:  "vps-small",
		HostName:   "web-01",
		OS:         "Ubuntu-2404",
		Datacenter: "fsn1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if receipt.Status != domain.StatusSettingUp || receipt.Action != domain.ActionCreate {
		t.Errorf("receipt = %+v, want setting_up create", receipt)
	}
	if srv.Service == nil || srv.Service.UserID != testUser {
		t.Errorf("created server has service %+v", srv.Service)
	}

	got := h.waitFor(t, srv.ID)
	if got == nil {
		t.Fatal("server was removed")
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want running (last_error %q)", got.Status, got.LastError)
	}
	if got.HypervisorID == "" || got.Node == "" {
		t.Errorf("hypervisor identity not recorded: %+v", got)
	}
	if srv.Address != "10.1.0.20" || got.Address != "10.1.0.20" {
		t.Errorf("address = %q at create and %q when running, want 10.1.0.20", srv.Address, got.Address)
	}
	if free := h.freeAddresses(t); free != 2 {
		t.Errorf("free addresses = %d, want 2", free)
	}

	rec := h.waitRecord(t, srv.ID)
	if rec.Status != actionstore.StatusSuccess || rec.Attempts != 1 || rec.JobID != receipt.JobID {
		t.Errorf("record = %+v", rec)
	}
}

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.orch.Create(ctx, domain.CreateServerOpts{UserID: testUser, HostName: "web-01", OS: "templeos"})
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("unknown OS: error = %v, want ErrInvalidTemplate", err)
	}
	_, _, err = h.orch.Create(ctx, domain.CreateServerOpts{UserID: testUser, HostName: "-bad", OS: "ubuntu-2404"})
	if !errors.Is(err, ErrInvalidHostName) {
		t.Errorf("bad host name: error = %v, want ErrInvalidHostName", err)
	}

	_, _, err = h.orch.Create(ctx, domain.CreateServerOpts{UserID: testUser, HostName: "web-01", OS: "ubuntu-2404", Datacenter: "nbg1"})
	if !errors.Is(err, domain.ErrUnknownDatacenter) {
		t.Errorf("unknown datacenter: error = %v, want ErrUnknownDatacenter", err)
	}

	servers, err := h.store.ListForUser(ctx, testUser)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(servers) != 0 {
		t.Errorf("rejected creates left %d rows", len(servers))
	}
	if free := h.freeAddresses(t); free != 3 {
		t.Errorf("rejected creates held addresses: %d free, want 3", free)
	}
}

func TestCreate_CloneUsesReservedAddress(t *testing.T) {
	h := newHarness(t)
	pool := &recordingPool{}
	d := NewDispatcher(h.store, h.actions, pool, "sim", testConfig().Templates, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		opts := domain.CreateServerOpts{UserID: testUser, HostName: fmt.Sprintf("web-%02d", i), OS: "ubuntu-2404", Datacenter: "FSN1"}
		if _, _, err := d.Create(ctx, opts); err != nil {
			t.Fatalf("Create #%d failed: %v", i, err)
		}
	}
	_, _, err := d.Create(ctx, domain.CreateServerOpts{UserID: testUser, HostName: "web-99", OS: "ubuntu-2404", Datacenter: "fsn1"})
	if !errors.Is(err, domain.ErrNoFreeAddress) {
		t.Fatalf("Create on exhausted pool: error = %v, want ErrNoFreeAddress", err)
	}

	jobs := pool.submitted()
	if len(jobs) != 3 {
		t.Fatalf("submitted %d jobs, want 3", len(jobs))
	}
	seen := make(map[string]bool)
	for _, job := range jobs {
		if job.Clone == nil {
			t.Fatalf("create job %s has no clone spec", job.ID)
		}
		if seen[job.Clone.IPConfig] {
			t.Errorf("ip config %q handed out twice", job.Clone.IPConfig)
		}
		seen[job.Clone.IPConfig] = true

		srv, err := h.store.Get(ctx, job.ServerID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		want := "ip=" + srv.Address + "/24,gw=10.1.0.1"
		if job.Clone.IPConfig != want {
			t.Errorf("clone ip config = %q, want %q", job.Clone.IPConfig, want)
		}
	}
}

func TestCreate_CloneFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.sim.Fail = func(op string, _ hvdomain.VMRef) error {
		if op == "clone" {
			return hvdomain.Permanent(op, errors.New("template missing on node"))
		}
		return nil
	}

	srv, _, err := h.orch.Create(context.Background(), domain.CreateServerOpts{
		UserID: testUser, HostName: "web-02", OS: "ubuntu-2404", Datacenter: "fsn1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got := h.waitFor(t, srv.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "template missing on node") {
		t.Errorf("last_error = %q", got.LastError)
	}
	if got.HypervisorID != "" {
		t.Errorf("failed create recorded hypervisor id %q", got.HypervisorID)
	}

	// A failed create can be deleted without touching the hypervisor.
	if _, err := h.orch.Dispatch(context.Background(), testUser, srv.ID, domain.ActionDelete); err != nil {
		t.Fatalf("delete dispatch failed: %v", err)
	}
	if got := h.waitFor(t, srv.ID); got != nil {
		t.Errorf("server still present after delete: %+v", got)
	}
	if free := h.freeAddresses(t); free != 3 {
		t.Errorf("deleted server kept its address: %d free, want 3", free)
	}
}

func TestDispatch_PowerActions(t *testing.T) {
	tests := []struct {
		name      string
		from      domain.Status
		action    domain.Action
		transient domain.Status
		want      domain.Status
		remote    hvdomain.RemoteState
	}{
		{"start stopped", domain.StatusStopped, domain.ActionStart, domain.StatusStarting, domain.StatusRunning, hvdomain.StateRunning},
		{"start failed", domain.StatusFailed, domain.ActionStart, domain.StatusStarting, domain.StatusRunning, hvdomain.StateRunning},
		{"stop running", domain.StatusRunning, domain.ActionStop, domain.StatusStopping, domain.StatusStopped, hvdomain.StateStopped},
		{"reboot running", domain.StatusRunning, domain.ActionReboot, domain.StatusRebooting, domain.StatusRunning, hvdomain.StateRunning},
		{"shutdown running", domain.StatusRunning, domain.ActionShutdown, domain.StatusShuttingDown, domain.StatusStopped, hvdomain.StateStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "s1", tt.from)

			receipt, err := h.orch.Dispatch(context.Background(), testUser, "s1", tt.action)
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if receipt.Status != tt.transient {
				t.Errorf("receipt status = %s, want %s", receipt.Status, tt.transient)
			}

			got := h.waitFor(t, "s1")
			if got.Status != tt.want {
				t.Fatalf("status = %s, want %s (last_error %q)", got.Status, tt.want, got.LastError)
			}
			if got.LastError != "" {
				t.Errorf("last_error = %q, want cleared", got.LastError)
			}
			state, _ := h.sim.State(got.HypervisorID)
			if state != tt.remote {
				t.Errorf("remote state = %s, want %s", state, tt.remote)
			}
		})
	}
}

func TestDispatch_DeleteRemovesServer(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusStopped)
	srv, _ := h.store.Get(context.Background(), "s1")

	if _, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionDelete); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := h.waitFor(t, "s1"); got != nil {
		t.Fatalf("server still present: %+v", got)
	}
	if _, ok := h.sim.State(srv.HypervisorID); ok {
		t.Error("vm still exists on the hypervisor")
	}
	rec := h.waitRecord(t, "s1")
	if rec.Status != actionstore.StatusSuccess {
		t.Errorf("record status = %s, want success", rec.Status)
	}
}

func TestDispatch_DeleteMissingVMSucceeds(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusStopped)
	srv, _ := h.store.Get(context.Background(), "s1")
	if err := h.sim.Destroy(context.Background(), hvdomain.VMRef{ID: srv.HypervisorID}); err != nil {
		t.Fatalf("sim destroy failed: %v", err)
	}

	if _, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionDelete); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := h.waitFor(t, "s1"); got != nil {
		t.Fatalf("server still present: %+v", got)
	}
}

func TestDispatch_Rejections(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "running", domain.StatusRunning)
	h.seed(t, "stopped", domain.StatusStopped)
	if err := h.store.CompareAndSwap(context.Background(), "stopped", domain.StatusStopped, domain.StatusStarting, nil); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}

	tests := []struct {
		name   string
		user   string
		server string
		action domain.Action
		want   error
	}{
		{"start running", testUser, "running", domain.ActionStart, domain.ErrInvalidTransition},
		{"delete running", testUser, "running", domain.ActionDelete, domain.ErrInvalidTransition},
		{"create existing", testUser, "running", domain.ActionCreate, domain.ErrInvalidTransition},
		{"stop while starting", testUser, "stopped", domain.ActionStop, domain.ErrActionConflict},
		{"delete while starting", testUser, "stopped", domain.ActionDelete, domain.ErrActionConflict},
		{"foreign owner", "user-2", "running", domain.ActionStop, domain.ErrNotFound},
		{"missing server", testUser, "nope", domain.ActionStop, domain.ErrNotFound},
	}
	var calls atomic.Int32
	h.sim.Fail = func(string, hvdomain.VMRef) error {
		calls.Add(1)
		return nil
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Dispatch(context.Background(), tt.user, tt.server, tt.action)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	srv, _ := h.store.Get(context.Background(), "running")
	if srv.Status != domain.StatusRunning {
		t.Errorf("rejected actions changed status to %s", srv.Status)
	}
	srv, _ = h.store.Get(context.Background(), "stopped")
	if srv.Status != domain.StatusStarting {
		t.Errorf("rejected actions changed status to %s", srv.Status)
	}

	// Rejections schedule nothing: no job record and no hypervisor call.
	for _, id := range []string{"running", "stopped", "nope"} {
		records, err := h.actions.ListByServer(id, 10)
		if err != nil {
			t.Fatalf("ListByServer failed: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("server %s has %d action records, want none", id, len(records))
		}
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("hypervisor was called %d times, want 0", n)
	}
}

// recordingPool accepts every job without running it, so the status a
// dispatch leaves behind can be inspected before any reconciliation.
type recordingPool struct {
	mu   sync.Mutex
	jobs []Job
}

func (p *recordingPool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPool) submitted() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Job(nil), p.jobs...)
}

func TestDispatch_FollowsDecisionTable(t *testing.T) {
	h := newHarness(t)
	pool := &recordingPool{}
	d := NewDispatcher(h.store, h.actions, pool, "sim", testConfig().Templates, nil, zerolog.Nop())
	ctx := context.Background()

	statuses := append(append([]domain.Status{}, domain.StableStatuses...), domain.TransientStatuses...)
	for _, status := range statuses {
		for _, action := range domain.Actions {
			id := fmt.Sprintf("%s-%s", status, action)
			srv := &domain.Server{ID: id, HypervisorID: "vm-" + id, Node: "sim1", HostName: "web", Status: status}
			svc := &domain.Service{ID: "svc-" + id, UserID: testUser, ProductID: "vps-small", ServerID: id}
			if err := h.store.Insert(ctx, srv, svc); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			before := len(pool.submitted())
			receipt, err := d.Dispatch(ctx, testUser, id, action)

			want, wantErr := lifecycle.Decide(status, action)
			if action == domain.ActionCreate {
				want, wantErr = "", domain.ErrInvalidTransition
			}

			got, gerr := h.store.Get(ctx, id)
			if gerr != nil {
				t.Fatalf("%s: Get failed: %v", id, gerr)
			}
			jobs := pool.submitted()

			if wantErr != nil {
				if !errors.Is(err, wantErr) {
					t.Errorf("%s: error = %v, want %v", id, err, wantErr)
				}
				if got.Status != status {
					t.Errorf("%s: rejected dispatch moved status to %s", id, got.Status)
				}
				if len(jobs) != before {
					t.Errorf("%s: rejected dispatch submitted a job", id)
				}
				continue
			}

			if err != nil {
				t.Errorf("%s: unexpected error %v", id, err)
				continue
			}
			if got.Status != want || receipt.Status != want {
				t.Errorf("%s: status = %s (receipt %s), want %s", id, got.Status, receipt.Status, want)
			}
			if len(jobs) != before+1 || jobs[len(jobs)-1].From != status || jobs[len(jobs)-1].Transient != want {
				t.Errorf("%s: submitted jobs = %+v", id, jobs[before:])
			}
		}
	}
}

func TestDispatch_ConcurrentStartAcceptsOne(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusStopped)

	release := make(chan struct{})
	var powerOns atomic.Int32
	h.sim.Fail = func(op string, _ hvdomain.VMRef) error {
		if op == "power_on" {
			powerOns.Add(1)
			<-release
		}
		return nil
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		accepted  atomic.Int32
		conflicts atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionStart)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, domain.ErrActionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(release)

	if accepted.Load() != 1 || conflicts.Load() != callers-1 {
		t.Errorf("accepted=%d conflicts=%d, want 1 and %d", accepted.Load(), conflicts.Load(), callers-1)
	}
	if got := h.waitFor(t, "s1"); got.Status != domain.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if n := powerOns.Load(); n != 1 {
		t.Errorf("power_on called %d times, want 1", n)
	}
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusRunning)

	var calls atomic.Int32
	h.sim.Fail = func(op string, _ hvdomain.VMRef) error {
		if op == "power_off" && calls.Add(1) < 3 {
			return hvdomain.Transient(op, errors.New("503 service unavailable"))
		}
		return nil
	}

	if _, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionStop); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := h.waitFor(t, "s1"); got.Status != domain.StatusStopped {
		t.Fatalf("status = %s, want stopped (last_error %q)", got.Status, got.LastError)
	}
	rec := h.waitRecord(t, "s1")
	if rec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.Attempts)
	}
}

func TestDispatch_RetryExhaustionMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusRunning)

	h.sim.Fail = func(op string, _ hvdomain.VMRef) error {
		if op == "reboot" {
			return hvdomain.Transient(op, errors.New("connection reset"))
		}
		return nil
	}

	if _, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionReboot); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got := h.waitFor(t, "s1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "connection reset") {
		t.Errorf("last_error = %q", got.LastError)
	}
	rec := h.waitRecord(t, "s1")
	if rec.Status != actionstore.StatusError || rec.Attempts != 3 {
		t.Errorf("record = %+v, want error after 3 attempts", rec)
	}

	// failed servers may be started again.
	h.sim.Fail = nil
	if _, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionStart); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
	if got := h.waitFor(t, "s1"); got.Status != domain.StatusRunning || got.LastError != "" {
		t.Errorf("after restart: status %s, last_error %q", got.Status, got.LastError)
	}
}

func TestDispatch_PermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusStopped)

	var calls atomic.Int32
	h.sim.Fail = func(op string, _ hvdomain.VMRef) error {
		if op == "power_on" {
			calls.Add(1)
			return hvdomain.Permanent(op, domain.ErrUnauthorized)
		}
		return nil
	}

	if _, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionStart); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := h.waitFor(t, "s1"); got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("power_on called %d times, want 1", n)
	}
}

func TestWorker_PanicStillReconciles(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusRunning)

	h.sim.Fail = func(op string, _ hvdomain.VMRef) error {
		if op == "shutdown" {
			panic("driver bug")
		}
		return nil
	}

	if _, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionShutdown); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got := h.waitFor(t, "s1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "job panicked: driver bug") {
		t.Errorf("last_error = %q", got.LastError)
	}

	// The pool survives the panic.
	h.sim.Fail = nil
	if _, err := h.orch.Dispatch(context.Background(), testUser, "s1", domain.ActionStart); err != nil {
		t.Fatalf("Dispatch after panic: %v", err)
	}
	if got := h.waitFor(t, "s1"); got.Status != domain.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

type rejectingPool struct{}

func (rejectingPool) Submit(Job) error { return domain.ErrQueueFull }

func TestDispatch_QueueFullReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusStopped)
	d := NewDispatcher(h.store, h.actions, rejectingPool{}, "sim", testConfig().Templates, nil, zerolog.Nop())

	_, err := d.Dispatch(context.Background(), testUser, "s1", domain.ActionStart)
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("error = %v, want ErrQueueFull", err)
	}
	srv, err := h.store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if srv.Status != domain.StatusStopped {
		t.Errorf("status = %s, want stopped", srv.Status)
	}
	rec := h.waitRecord(t, "s1")
	if rec.Status != actionstore.StatusError {
		t.Errorf("record status = %s, want error", rec.Status)
	}

	created, _, err := d.Create(context.Background(), domain.CreateServerOpts{
		UserID: testUser, HostName: "web-03", OS: "ubuntu-2404", Datacenter: "fsn1",
	})
	if !errors.Is(err, domain.ErrQueueFull) || created != nil {
		t.Fatalf("Create = %v, %v; want nil, ErrQueueFull", created, err)
	}
	servers, _ := h.store.ListForUser(context.Background(), testUser)
	if len(servers) != 1 {
		t.Errorf("ListForUser returned %d servers, want only the seeded one", len(servers))
	}
	if free := h.freeAddresses(t); free != 3 {
		t.Errorf("rejected create kept its address: %d free, want 3", free)
	}
}

func TestReconcile_StatusMismatchLeavesRow(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusRunning)
	r := NewReconciler(h.store, nil, nil, testConfig().Retry, nil, zerolog.Nop())

	// The job claims the server is stopping, but it is running.
	job := Job{ID: "j1", ServerID: "s1", Action: domain.ActionStop, Transient: domain.StatusStopping, Target: domain.StatusStopped}
	r.Reconcile(context.Background(), job, Outcome{Err: errors.New("boom")})

	srv, err := h.store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if srv.Status != domain.StatusRunning || srv.LastError != "" {
		t.Errorf("row changed: status %s, last_error %q", srv.Status, srv.LastError)
	}
}

func TestReconcile_SurvivesCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusRunning)
	if err := h.store.CompareAndSwap(context.Background(), "s1", domain.StatusRunning, domain.StatusRebooting, nil); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	r := NewReconciler(h.store, nil, nil, testConfig().Retry, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := Job{ID: "j1", ServerID: "s1", Action: domain.ActionReboot, Transient: domain.StatusRebooting, Target: domain.StatusRunning}
	r.Reconcile(ctx, job, Outcome{Err: ctx.Err()})

	srv, _ := h.store.Get(context.Background(), "s1")
	if srv.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", srv.Status)
	}
}

func TestScanStale(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "s1", domain.StatusRunning)
	h.seed(t, "s2", domain.StatusRunning)
	if err := h.store.CompareAndSwap(context.Background(), "s2", domain.StatusRunning, domain.StatusRebooting, nil); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}

	stale, err := ScanStale(context.Background(), h.store, time.Minute, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ScanStale failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "s2" {
		t.Errorf("stale = %+v, want only s2", stale)
	}

	fresh, err := ScanStale(context.Background(), h.store, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("ScanStale failed: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("fresh scan returned %d servers", len(fresh))
	}
}

func TestShutdown_DeadlineReconcilesBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vpsd.db")
	gw, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	actions, err := actionstore.OpenAt(dbPath)
	if err != nil {
		t.Fatalf("actionstore.OpenAt failed: %v", err)
	}

	srv := &domain.Server{ID: "s1", HypervisorID: "101", Node: "sim1", HostName: "web-s1", Status: domain.StatusStopped}
	svc := &domain.Service{ID: "svc-s1", UserID: testUser, ProductID: "vps-small", ServerID: "s1"}
	if err := gw.Insert(context.Background(), srv, svc); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	orch, err := New(testConfig(), Deps{
		Store:      gw,
		Actions:    actions,
		Hypervisor: providers.NewSimHypervisor(10 * time.Second),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := orch.Dispatch(context.Background(), testUser, "s1", domain.ActionStart); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := orch.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown error = %v, want DeadlineExceeded", err)
	}

	// Close the way serve does once Shutdown returns, then read the
	// durable state back.
	_ = actions.Close()
	_ = gw.Close()

	reopened, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status after shutdown = %s, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected last_error to describe the cancellation")
	}

	history, err := actionstore.OpenAt(dbPath)
	if err != nil {
		t.Fatalf("actionstore.OpenAt failed: %v", err)
	}
	defer history.Close()
	records, err := history.ListByServer("s1", 1)
	if err != nil {
		t.Fatalf("ListByServer failed: %v", err)
	}
	if len(records) != 1 || records[0].Status != actionstore.StatusError {
		t.Errorf("action records = %+v, want one finalized as error", records)
	}
}
