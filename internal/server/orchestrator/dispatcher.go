package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nathanbeddoewebdev/vpsd/internal/actionstore"
	hvdomain "nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/server/lifecycle"
	"nathanbeddoewebdev/vpsd/internal/store"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
	"nathanbeddoewebdev/vpsd/internal/util"
)

var (
	// ErrInvalidTemplate is returned by Create when the requested OS has
	// no configured template.
	ErrInvalidTemplate = errors.New("unknown operating system template")
	// ErrInvalidHostName is returned by Create for host names the
	// hypervisors would reject.
	ErrInvalidHostName = errors.New("invalid host name")
)

// Submitter accepts jobs without blocking. Pool implements it.
type Submitter interface {
	Submit(job Job) error
}

// Dispatcher validates actions, acquires the status lock, and hands jobs
// to the pool. It never calls the hypervisor.
type Dispatcher struct {
	store      store.Gateway
	actions    actionstore.ActionRepository
	pool       Submitter
	hypervisor string
	templates  map[string]string
	metrics    *telemetry.Metrics
	log        zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewDispatcher creates a Dispatcher. actions may be nil, in which case
// jobs are not recorded.
func NewDispatcher(gw store.Gateway, actions actionstore.ActionRepository, pool Submitter, hypervisor string, templates map[string]string, metrics *telemetry.Metrics, logger zerolog.Logger) *Dispatcher {
	normalized := make(map[string]string, len(templates))
	for name, ref := range templates {
		normalized[util.NormalizeKey(name)] = ref
	}
	return &Dispatcher{
		store:      gw,
		actions:    actions,
		pool:       pool,
		hypervisor: hypervisor,
		templates:  normalized,
		metrics:    metrics,
		log:        telemetry.Component(logger, "dispatcher"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Dispatch requests action on the server serverID owned by userID. On
// success the server already holds the action's transient status and a
// job has been queued; the returned receipt says which.
//
// A server owned by someone else is reported as not found.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, serverID string, action domain.Action) (receipt *Receipt, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("server.id", serverID),
		attribute.String("action", string(action)),
	))
	defer func() {
		d.metrics.RecordDispatch(string(action), dispatchResult(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if action == domain.ActionCreate {
		return nil, fmt.Errorf("create is not dispatched against an existing server: %w", domain.ErrInvalidTransition)
	}

	srv, err := d.store.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !srv.OwnedBy(userID) {
		return nil, fmt.Errorf("server %s: %w", serverID, domain.ErrNotFound)
	}

	transient, err := lifecycle.Decide(srv.Status, action)
	if err != nil {
		return nil, err
	}
	target, _ := lifecycle.TargetOnSuccess(action)

	if err := d.store.CompareAndSwap(ctx, serverID, srv.Status, transient, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("server %s changed status while dispatching %s: %w", serverID, action, err)
		}
		return nil, err
	}

	job := Job{
		ID:         d.newID(),
		ServerID:   serverID,
		HostName:   srv.HostName,
		Action:     action,
		From:       srv.Status,
		Transient:  transient,
		Target:     target,
		VM:         hvdomain.VMRef{ID: srv.HypervisorID, Node: srv.Node},
		EnqueuedAt: d.now(),
	}
	d.record(&job)

	if err := d.pool.Submit(job); err != nil {
		// Give the lock back so the caller can retry later.
		if rerr := d.store.CompareAndSwap(context.WithoutCancel(ctx), serverID, transient, srv.Status, nil); rerr != nil {
			d.log.Error().Err(rerr).Str("server_id", serverID).Str("status", string(transient)).
				Msg("failed to release status after rejected submit")
		}
		d.abandon(job, err)
		return nil, err
	}

	d.log.Info().Str("job_id", job.ID).Str("server_id", serverID).Str("action", string(action)).
		Str("from", string(srv.Status)).Str("to", string(transient)).Msg("job dispatched")

	return &Receipt{JobID: job.ID, ServerID: serverID, Action: action, Status: transient}, nil
}

// Create registers a new server in setting_up, assigns it an address from
// the datacenter's network pool, and queues its clone job. A rejected
// submit deletes the row, which returns the address to the pool.
func (d *Dispatcher) Create(ctx context.Context, opts domain.CreateServerOpts) (srv *domain.Server, receipt *Receipt, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("action", string(domain.ActionCreate)),
	))
	defer func() {
		d.metrics.RecordDispatch(string(domain.ActionCreate), dispatchResult(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	templateRef, ok := d.templates[util.NormalizeKey(opts.OS)]
	if !ok {
		return nil, nil, fmt.Errorf("%q: %w", opts.OS, ErrInvalidTemplate)
	}
	if err := util.ValidateHostName(opts.HostName); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHostName, err)
	}

	transient, err := lifecycle.Decide(domain.StatusNone, domain.ActionCreate)
	if err != nil {
		return nil, nil, err
	}
	target, _ := lifecycle.TargetOnSuccess(domain.ActionCreate)

	now := d.now().UTC()
	srv = &domain.Server{
		ID:        d.newID(),
		HostName:  opts.HostName,
		Status:    transient,
		CreatedAt: now,
		UpdatedAt: now,
	}
	svc := &domain.Service{
		ID:        d.newID(),
		UserID:    opts.UserID,
		ProductID: opts.ProductID,
		ServerID:  srv.ID,
		CreatedAt: now,
	}
	ip, err := d.store.InsertWithAddress(ctx, srv, svc, opts.Datacenter)
	if err != nil {
		return nil, nil, err
	}
	srv.Service = svc
	span.SetAttributes(attribute.String("server.id", srv.ID))

	job := Job{
		ID:        d.newID(),
		ServerID:  srv.ID,
		HostName:  srv.HostName,
		Action:    domain.ActionCreate,
		From:      domain.StatusNone,
		Transient: transient,
		Target:    target,
		Clone: &hvdomain.CloneSpec{
			TemplateRef: templateRef,
			HostName:    opts.HostName,
			Datacenter:  opts.Datacenter,
			CPUCores:    opts.CPUCores,
			MemoryGB:    opts.MemoryGB,
			IPConfig:    ip.IPConfig(),
		},
		EnqueuedAt: d.now(),
	}
	d.record(&job)

	if err := d.pool.Submit(job); err != nil {
		if derr := d.store.Delete(context.WithoutCancel(ctx), srv.ID, transient); derr != nil {
			d.log.Error().Err(derr).Str("server_id", srv.ID).Msg("failed to remove server after rejected submit")
		}
		d.abandon(job, err)
		return nil, nil, err
	}

	d.log.Info().Str("job_id", job.ID).Str("server_id", srv.ID).Str("host_name", srv.HostName).
		Str("template", templateRef).Str("address", ip.Address).Msg("create dispatched")

	return srv, &Receipt{JobID: job.ID, ServerID: srv.ID, Action: domain.ActionCreate, Status: transient}, nil
}

// record writes the job's action record. Recording is best effort: a
// failure is logged and the job proceeds untracked.
func (d *Dispatcher) record(job *Job) {
	if d.actions == nil {
		return
	}
	rec := &actionstore.ActionRecord{
		JobID:           job.ID,
		Hypervisor:      d.hypervisor,
		ServerID:        job.ServerID,
		HostName:        job.HostName,
		Command:         string(job.Action),
		TransientStatus: string(job.Transient),
		TargetStatus:    string(job.Target),
		Status:          actionstore.StatusRunning,
	}
	if err := d.actions.Save(rec); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record job")
		return
	}
	job.RecordID = rec.ID
}

func (d *Dispatcher) abandon(job Job, cause error) {
	if d.actions == nil || job.RecordID == 0 {
		return
	}
	rec, err := d.actions.Get(job.RecordID)
	if err != nil || rec == nil {
		return
	}
	rec.Status = actionstore.StatusError
	rec.ErrorMessage = "not queued: " + cause.Error()
	if err := d.actions.Save(rec); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to finalize rejected job")
	}
}

func dispatchResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrInvalidTemplate), errors.Is(err, ErrInvalidHostName):
		return "invalid_request"
	default:
		return "error"
	}
}
