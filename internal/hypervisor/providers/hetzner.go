package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"nathanbeddoewebdev/vpsd/internal/config"
	shared "nathanbeddoewebdev/vpsd/internal/domain"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/services/auth"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// hcloudCodeTimeout is returned when an action does not finish in time.
const hcloudCodeTimeout hcloud.ErrorCode = "timeout"

// Compile-time check that HetznerHypervisor satisfies domain.Hypervisor.
var _ domain.Hypervisor = (*HetznerHypervisor)(nil)

// HetznerHypervisor implements domain.Hypervisor on Hetzner Cloud. A
// "clone" creates a server from an image; sizing comes from the
// configured server type rather than per-request cores and memory.
type HetznerHypervisor struct {
	client     *hcloud.Client
	serverType string
}

// NewHetznerHypervisor creates a HetznerHypervisor with the given hcloud client options.
// Default options (application name) are applied first; callers can override them.
func NewHetznerHypervisor(serverType string, opts ...hcloud.ClientOption) *HetznerHypervisor {
	defaults := []hcloud.ClientOption{
		hcloud.WithApplication("vpsd", "0.1.0"),
	}
	allOpts := append(defaults, opts...)
	return &HetznerHypervisor{
		client:     hcloud.NewClient(allOpts...),
		serverType: serverType,
	}
}

// RegisterHetzner registers the Hetzner factory with the hypervisor registry.
func RegisterHetzner() {
	Register("hetzner", func(cfg *config.Config, store auth.Store) (domain.Hypervisor, error) {
		token, err := auth.ResolveToken(store, "hetzner")
		if err != nil {
			return nil, fmt.Errorf("hetzner auth: %w", err)
		}
		return NewHetznerHypervisor(cfg.Hetzner.ServerType, hcloud.WithToken(token)), nil
	})
}

func (h *HetznerHypervisor) Name() string { return "hetzner" }

// Clone creates and boots a server from the image named by the template
// reference, waiting for the create action and its follow-ups.
func (h *HetznerHypervisor) Clone(ctx context.Context, spec domain.CloneSpec) (*domain.Provisioned, error) {
	const op = "clone"

	opts := hcloud.ServerCreateOpts{
		Name:             spec.HostName,
		ServerType:       &hcloud.ServerType{Name: h.serverType},
		Image:            &hcloud.Image{Name: spec.TemplateRef},
		StartAfterCreate: hcloud.Ptr(true),
		Labels:           map[string]string{"managed-by": "vpsd"},
	}
	if spec.Datacenter != "" {
		opts.Location = &hcloud.Location{Name: spec.Datacenter}
	}

	result, _, err := h.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, classifyHcloud(op, err)
	}

	actions := make([]*hcloud.Action, 0, 1+len(result.NextActions))
	if result.Action != nil {
		actions = append(actions, result.Action)
	}
	for _, a := range result.NextActions {
		if a != nil {
			actions = append(actions, a)
		}
	}
	if err := h.client.Action.WaitFor(ctx, actions...); err != nil {
		return nil, classifyHcloud(op, err)
	}

	provisioned := &domain.Provisioned{
		VM: domain.VMRef{ID: strconv.FormatInt(result.Server.ID, 10)},
	}
	if !result.Server.PublicNet.IPv4.IsUnspecified() {
		provisioned.Address = result.Server.PublicNet.IPv4.IP.String()
	}
	return provisioned, nil
}

func (h *HetznerHypervisor) PowerOn(ctx context.Context, vm domain.VMRef) error {
	return h.serverAction(ctx, "power_on", vm, h.client.Server.Poweron)
}

func (h *HetznerHypervisor) PowerOff(ctx context.Context, vm domain.VMRef) error {
	return h.serverAction(ctx, "power_off", vm, h.client.Server.Poweroff)
}

func (h *HetznerHypervisor) Reboot(ctx context.Context, vm domain.VMRef) error {
	return h.serverAction(ctx, "reboot", vm, h.client.Server.Reboot)
}

func (h *HetznerHypervisor) GracefulShutdown(ctx context.Context, vm domain.VMRef) error {
	return h.serverAction(ctx, "shutdown", vm, h.client.Server.Shutdown)
}

func (h *HetznerHypervisor) Destroy(ctx context.Context, vm domain.VMRef) error {
	const op = "destroy"
	server, err := hetznerServer(op, vm)
	if err != nil {
		return err
	}
	result, _, err := h.client.Server.DeleteWithResult(ctx, server)
	if err != nil {
		return classifyHcloud(op, err)
	}
	if result != nil && result.Action != nil {
		if err := h.client.Action.WaitFor(ctx, result.Action); err != nil {
			return classifyHcloud(op, err)
		}
	}
	return nil
}

func (h *HetznerHypervisor) QueryStatus(ctx context.Context, vm domain.VMRef) (domain.RemoteState, error) {
	const op = "query_status"
	server, err := hetznerServer(op, vm)
	if err != nil {
		return domain.StateUnknown, err
	}
	found, _, err := h.client.Server.GetByID(ctx, server.ID)
	if err != nil {
		return domain.StateUnknown, classifyHcloud(op, err)
	}
	if found == nil {
		return domain.StateUnknown, domain.Permanent(op, fmt.Errorf("server %s: %w", vm.ID, shared.ErrNotFound))
	}
	switch found.Status {
	case hcloud.ServerStatusRunning:
		return domain.StateRunning, nil
	case hcloud.ServerStatusOff:
		return domain.StateStopped, nil
	default:
		return domain.StateUnknown, nil
	}
}

type serverActionFunc func(context.Context, *hcloud.Server) (*hcloud.Action, *hcloud.Response, error)

func (h *HetznerHypervisor) serverAction(ctx context.Context, op string, vm domain.VMRef, call serverActionFunc) error {
	server, err := hetznerServer(op, vm)
	if err != nil {
		return err
	}
	action, _, err := call(ctx, server)
	if err != nil {
		return classifyHcloud(op, err)
	}
	if err := h.client.Action.WaitFor(ctx, action); err != nil {
		return classifyHcloud(op, err)
	}
	return nil
}

// hetznerServer converts a VMRef to the numeric server reference the API
// requires.
func hetznerServer(op string, vm domain.VMRef) (*hcloud.Server, error) {
	id, err := strconv.ParseInt(vm.ID, 10, 64)
	if err != nil {
		return nil, domain.Permanent(op, fmt.Errorf("invalid server ID %q: %w", vm.ID, err))
	}
	return &hcloud.Server{ID: id}, nil
}

// classifyHcloud maps hcloud API error codes onto the transient/permanent
// classes used by the retry layer.
func classifyHcloud(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return domain.Transient(op, err)
	case hcloud.IsError(err, hcloud.ErrorCodeNotFound):
		return domain.Permanent(op, fmt.Errorf("%w: %v", shared.ErrNotFound, err))
	case hcloud.IsError(err, hcloud.ErrorCodeUnauthorized), hcloud.IsError(err, hcloud.ErrorCodeForbidden):
		return domain.Permanent(op, fmt.Errorf("%w: %v", shared.ErrUnauthorized, err))
	case hcloud.IsError(err, hcloud.ErrorCodeRateLimitExceeded):
		return domain.Transient(op, fmt.Errorf("%w: %v", shared.ErrRateLimited, err))
	case hcloud.IsError(err, hcloud.ErrorCodeLocked),
		hcloud.IsError(err, hcloud.ErrorCodeConflict),
		hcloud.IsError(err, hcloudCodeTimeout),
		hcloud.IsError(err, hcloud.ErrorCodeServiceError),
		hcloud.IsError(err, hcloud.ErrorCodeMaintenance),
		hcloud.IsError(err, hcloud.ErrorCodeResourceUnavailable):
		return domain.Transient(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.Transient(op, err)
	}
	return domain.Permanent(op, err)
}
