package domain

import "context"

// RemoteState is the power state reported by a hypervisor.
type RemoteState string

const (
	StateRunning RemoteState = "running"
	StateStopped RemoteState = "stopped"
	StateUnknown RemoteState = "unknown"
)

// VMRef identifies a virtual machine on a hypervisor. Node is required by
// hypervisors that address machines per cluster node and ignored by the
// others.
type VMRef struct {
	ID   string `json:"id"`
	Node string `json:"node,omitempty"`
}

// CloneSpec describes a machine to provision from a template.
type CloneSpec struct {
	TemplateRef string
	HostName    string
	Datacenter  string
	CPUCores    int
	MemoryGB    int
	IPConfig    string
}

// Provisioned is the identity a hypervisor assigns to a cloned machine.
type Provisioned struct {
	VM      VMRef
	Address string
}

// Hypervisor is the capability set the orchestrator needs from a remote
// virtualization control plane. Every method blocks until the remote
// operation has completed (or failed) and must honour ctx cancellation.
//
// Errors should be wrapped with Transient or Permanent so callers can
// decide whether to retry without knowing the backend.
type Hypervisor interface {
	// Name returns the registry name, e.g. "proxmox".
	Name() string

	Clone(ctx context.Context, spec CloneSpec) (*Provisioned, error)
	PowerOn(ctx context.Context, vm VMRef) error
	PowerOff(ctx context.Context, vm VMRef) error
	Reboot(ctx context.Context, vm VMRef) error
	GracefulShutdown(ctx context.Context, vm VMRef) error
	Destroy(ctx context.Context, vm VMRef) error
	QueryStatus(ctx context.Context, vm VMRef) (RemoteState, error)
}
