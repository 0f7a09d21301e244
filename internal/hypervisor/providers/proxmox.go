package providers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nathanbeddoewebdev/vpsd/internal/config"
	shared "nathanbeddoewebdev/vpsd/internal/domain"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/services/auth"
)

const (
	proxmoxTimeout      = 60 * time.Second
	proxmoxPollInterval = time.Second

	// maxTaskPollErrors is the number of consecutive transient failures
	// tolerated while waiting for a Proxmox task.
	maxTaskPollErrors = 3
)

// Compile-time check that ProxmoxHypervisor satisfies domain.Hypervisor.
var _ domain.Hypervisor = (*ProxmoxHypervisor)(nil)

// ProxmoxHypervisor implements domain.Hypervisor against the Proxmox VE
// REST API using an API token. Every mutating call returns a task UPID
// which is polled until the task stops.
type ProxmoxHypervisor struct {
	token        string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

// NewProxmoxHypervisor creates a client for the cluster at apiURL
// (e.g. https://pve1.example.net:8006). The token has the form
// user@realm!tokenid=secret.
func NewProxmoxHypervisor(apiURL, token string, insecureSkipVerify bool) *ProxmoxHypervisor {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &ProxmoxHypervisor{
		token:        token,
		baseURL:      strings.TrimRight(apiURL, "/") + "/api2/json",
		client:       &http.Client{Timeout: proxmoxTimeout, Transport: transport},
		pollInterval: proxmoxPollInterval,
	}
}

// RegisterProxmox registers the Proxmox factory with the hypervisor registry.
func RegisterProxmox() {
	Register("proxmox", func(cfg *config.Config, store auth.Store) (domain.Hypervisor, error) {
		if cfg.Proxmox.URL == "" {
			return nil, fmt.Errorf("proxmox: api url not configured (run 'vpsd config set proxmox-url <url>')")
		}
		token, err := auth.ResolveToken(store, "proxmox")
		if err != nil {
			return nil, fmt.Errorf("proxmox auth: %w", err)
		}
		return NewProxmoxHypervisor(cfg.Proxmox.URL, token, cfg.Proxmox.InsecureSkipVerify), nil
	})
}

func (p *ProxmoxHypervisor) Name() string { return "proxmox" }

// --- API request/response types ---

// pveEnvelope is the standard Proxmox API response wrapper.
type pveEnvelope[T any] struct {
	Data T `json:"data"`
}

// pveID accepts ids encoded either as JSON strings or numbers.
type pveID string

func (id *pveID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = pveID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = pveID(n.String())
	return nil
}

type pveTaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

type pveVMStatus struct {
	Status string `json:"status"`
}

type pveAgentInterfaces struct {
	Result []struct {
		Name        string `json:"name"`
		IPAddresses []struct {
			Type    string `json:"ip-address-type"`
			Address string `json:"ip-address"`
		} `json:"ip-addresses"`
	} `json:"result"`
}

// --- HTTP helpers ---

// do performs one API call and decodes the data field into out (which may
// be nil). Errors are classified for the retry layer.
func (p *ProxmoxHypervisor) do(ctx context.Context, op, method, path string, form url.Values, out any) error {
	target := p.baseURL + path
	var body io.Reader
	if len(form) > 0 {
		if method == http.MethodGet || method == http.MethodDelete {
			target += "?" + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return domain.Permanent(op, fmt.Errorf("proxmox: failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "PVEAPIToken="+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Transient(op, fmt.Errorf("proxmox: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(op, resp, strings.TrimSpace(string(text)))
	}

	if out == nil {
		return nil
	}
	var env pveEnvelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return domain.Permanent(op, fmt.Errorf("proxmox: failed to decode response: %w", err))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return domain.Permanent(op, fmt.Errorf("proxmox: failed to decode response data: %w", err))
	}
	return nil
}

// statusError maps a non-2xx response to a classified error. Proxmox
// reports a missing VM as a 500 whose reason says "does not exist".
func statusError(op string, resp *http.Response, body string) error {
	msg := resp.Status
	if body != "" {
		msg += ": " + body
	}
	cause := fmt.Errorf("proxmox: %s", msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Permanent(op, fmt.Errorf("%w: %s", shared.ErrUnauthorized, msg))
	case resp.StatusCode == http.StatusNotFound || strings.Contains(strings.ToLower(msg), "does not exist"):
		return domain.Permanent(op, fmt.Errorf("%w: %s", shared.ErrNotFound, msg))
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Transient(op, fmt.Errorf("%w: %s", shared.ErrRateLimited, msg))
	case resp.StatusCode >= 500:
		return domain.Transient(op, cause)
	default:
		return domain.Permanent(op, cause)
	}
}

func vmPath(vm domain.VMRef) string {
	return "/nodes/" + url.PathEscape(vm.Node) + "/qemu/" + url.PathEscape(vm.ID)
}

// parseTemplateRef splits a "node/vmid" template reference.
func parseTemplateRef(ref string) (domain.VMRef, error) {
	node, id, ok := strings.Cut(ref, "/")
	if !ok || node == "" || id == "" {
		return domain.VMRef{}, fmt.Errorf("proxmox: template reference %q must have the form node/vmid", ref)
	}
	if _, err := strconv.Atoi(id); err != nil {
		return domain.VMRef{}, fmt.Errorf("proxmox: template vmid %q is not numeric", id)
	}
	return domain.VMRef{ID: id, Node: node}, nil
}

// waitTask polls a task until it stops. A task that stops with any exit
// status other than OK is a permanent failure.
func (p *ProxmoxHypervisor) waitTask(ctx context.Context, op, node, upid string) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	path := "/nodes/" + url.PathEscape(node) + "/tasks/" + url.PathEscape(upid) + "/status"
	failures := 0
	for {
		var task pveTaskStatus
		err := p.do(ctx, op, http.MethodGet, path, nil, &task)
		switch {
		case err != nil && domain.IsTransient(err) && ctx.Err() == nil:
			failures++
			if failures >= maxTaskPollErrors {
				return err
			}
		case err != nil:
			return err
		case task.Status == "running":
			failures = 0
		case task.Status == "stopped" && task.ExitStatus == "OK":
			return nil
		default:
			exit := task.ExitStatus
			if exit == "" {
				exit = "unexpected task state " + strconv.Quote(task.Status)
			}
			return domain.Permanent(op, fmt.Errorf("proxmox: task %s failed: %s", upid, exit))
		}

		select {
		case <-ctx.Done():
			return domain.Transient(op, ctx.Err())
		case <-ticker.C:
		}
	}
}

// runTask issues a call that returns a task UPID and waits for it.
func (p *ProxmoxHypervisor) runTask(ctx context.Context, op, method string, vm domain.VMRef, path string, form url.Values) error {
	var upid string
	if err := p.do(ctx, op, method, path, form, &upid); err != nil {
		return err
	}
	if upid == "" {
		return nil
	}
	return p.waitTask(ctx, op, vm.Node, upid)
}

// --- Hypervisor implementation ---

// Clone copies the template onto the next free vmid, applies the sizing
// and network config, boots the copy and waits until it is running.
func (p *ProxmoxHypervisor) Clone(ctx context.Context, spec domain.CloneSpec) (*domain.Provisioned, error) {
	const op = "clone"

	template, err := parseTemplateRef(spec.TemplateRef)
	if err != nil {
		return nil, domain.Permanent(op, err)
	}

	var nextID pveID
	if err := p.do(ctx, op, http.MethodGet, "/cluster/nextid", nil, &nextID); err != nil {
		return nil, err
	}
	vm := domain.VMRef{ID: string(nextID), Node: template.Node}

	form := url.Values{}
	form.Set("newid", vm.ID)
	form.Set("name", spec.HostName)
	form.Set("full", "1")
	if spec.Datacenter != "" && spec.Datacenter != template.Node {
		form.Set("target", spec.Datacenter)
	}
	var upid string
	if err := p.do(ctx, op, http.MethodPost, vmPath(template)+"/clone", form, &upid); err != nil {
		return nil, err
	}
	if err := p.waitTask(ctx, op, template.Node, upid); err != nil {
		return nil, err
	}
	if target := form.Get("target"); target != "" {
		vm.Node = target
	}

	settings := url.Values{}
	if spec.CPUCores > 0 {
		settings.Set("cores", strconv.Itoa(spec.CPUCores))
	}
	if spec.MemoryGB > 0 {
		settings.Set("memory", strconv.Itoa(spec.MemoryGB*1024))
	}
	if spec.IPConfig != "" {
		settings.Set("ipconfig0", spec.IPConfig)
	}
	if len(settings) > 0 {
		if err := p.runTask(ctx, op, http.MethodPost, vm, vmPath(vm)+"/config", settings); err != nil {
			return nil, err
		}
	}

	if err := p.runTask(ctx, op, http.MethodPost, vm, vmPath(vm)+"/status/start", nil); err != nil {
		return nil, err
	}

	address := addressFromIPConfig(spec.IPConfig)
	if address == "" {
		address = p.guestAddress(ctx, vm)
	}
	return &domain.Provisioned{VM: vm, Address: address}, nil
}

func (p *ProxmoxHypervisor) PowerOn(ctx context.Context, vm domain.VMRef) error {
	return p.runTask(ctx, "power_on", http.MethodPost, vm, vmPath(vm)+"/status/start", nil)
}

func (p *ProxmoxHypervisor) PowerOff(ctx context.Context, vm domain.VMRef) error {
	return p.runTask(ctx, "power_off", http.MethodPost, vm, vmPath(vm)+"/status/stop", nil)
}

func (p *ProxmoxHypervisor) Reboot(ctx context.Context, vm domain.VMRef) error {
	return p.runTask(ctx, "reboot", http.MethodPost, vm, vmPath(vm)+"/status/reboot", nil)
}

func (p *ProxmoxHypervisor) GracefulShutdown(ctx context.Context, vm domain.VMRef) error {
	return p.runTask(ctx, "shutdown", http.MethodPost, vm, vmPath(vm)+"/status/shutdown", nil)
}

// Destroy removes the VM together with its disks and any references to it
// in backup jobs or HA resources.
func (p *ProxmoxHypervisor) Destroy(ctx context.Context, vm domain.VMRef) error {
	form := url.Values{}
	form.Set("purge", "1")
	form.Set("destroy-unreferenced-disks", "1")
	return p.runTask(ctx, "destroy", http.MethodDelete, vm, vmPath(vm), form)
}

func (p *ProxmoxHypervisor) QueryStatus(ctx context.Context, vm domain.VMRef) (domain.RemoteState, error) {
	var status pveVMStatus
	if err := p.do(ctx, "query_status", http.MethodGet, vmPath(vm)+"/status/current", nil, &status); err != nil {
		return domain.StateUnknown, err
	}
	switch status.Status {
	case "running":
		return domain.StateRunning, nil
	case "stopped":
		return domain.StateStopped, nil
	default:
		return domain.StateUnknown, nil
	}
}

// guestAddress asks the QEMU guest agent for the first global IPv4
// address. The agent may not be up yet, so failures yield "".
func (p *ProxmoxHypervisor) guestAddress(ctx context.Context, vm domain.VMRef) string {
	var ifaces pveAgentInterfaces
	if err := p.do(ctx, "guest_address", http.MethodGet, vmPath(vm)+"/agent/network-get-interfaces", nil, &ifaces); err != nil {
		return ""
	}
	for _, iface := range ifaces.Result {
		for _, addr := range iface.IPAddresses {
			if addr.Type != "ipv4" {
				continue
			}
			ip := net.ParseIP(addr.Address)
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return ""
}

// addressFromIPConfig extracts the static address from a cloud-init
// ipconfig string such as "ip=10.0.0.5/24,gw=10.0.0.1".
func addressFromIPConfig(ipConfig string) string {
	for _, part := range strings.Split(ipConfig, ",") {
		value, ok := strings.CutPrefix(strings.TrimSpace(part), "ip=")
		if !ok || value == "dhcp" {
			continue
		}
		addr, _, _ := strings.Cut(value, "/")
		if net.ParseIP(addr) != nil {
			return addr
		}
	}
	return ""
}
