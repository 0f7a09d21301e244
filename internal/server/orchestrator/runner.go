package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	shared "nathanbeddoewebdev/vpsd/internal/domain"
	hvdomain "nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/retry"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
)

// maxConfirmErrors is the number of consecutive transient status-query
// failures tolerated while confirming a power transition.
const maxConfirmErrors = 3

// RunnerConfig bounds how long a job may take.
type RunnerConfig struct {
	// Retry is applied to every hypervisor call. Its AttemptTimeout bounds
	// each attempt.
	Retry retry.Config
	// JobTimeout is the ceiling for the whole job, retries included.
	JobTimeout time.Duration
	// ConfirmInterval is the delay between status queries while waiting
	// for a power transition to take effect.
	ConfirmInterval time.Duration
}

// Runner executes jobs against a hypervisor.
type Runner struct {
	hv      hvdomain.Hypervisor
	cfg     RunnerConfig
	metrics *telemetry.Metrics
	log     zerolog.Logger
}

func NewRunner(hv hvdomain.Hypervisor, cfg RunnerConfig, metrics *telemetry.Metrics, logger zerolog.Logger) *Runner {
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 2 * time.Second
	}
	return &Runner{
		hv:      hv,
		cfg:     cfg,
		metrics: metrics,
		log:     telemetry.Component(logger, "runner"),
	}
}

// Run performs the job's hypervisor calls and reports the outcome. It
// never writes to the store.
func (r *Runner) Run(ctx context.Context, job Job) Outcome {
	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
		defer cancel()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "job."+string(job.Action), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("server.id", job.ServerID),
		attribute.String("hypervisor", r.hv.Name()),
	))
	defer span.End()

	var out Outcome
	out.Err = r.run(ctx, job, &out)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	span.SetAttributes(attribute.Int("job.attempts", out.Attempts))
	return out
}

func (r *Runner) run(ctx context.Context, job Job, out *Outcome) error {
	if job.Action == domain.ActionCreate {
		if job.Clone == nil {
			return hvdomain.Permanent("clone", errors.New("create job has no clone spec"))
		}
		return r.attempt(ctx, out, "clone", func(ctx context.Context) error {
			p, err := r.hv.Clone(ctx, *job.Clone)
			if err == nil {
				out.Provisioned = p
			}
			return err
		})
	}

	if job.Action == domain.ActionDelete {
		// A server whose creation failed before cloning has nothing to
		// destroy remotely.
		if job.VM.ID == "" {
			return nil
		}
		err := r.attempt(ctx, out, "destroy", func(ctx context.Context) error {
			return r.hv.Destroy(ctx, job.VM)
		})
		if errors.Is(err, shared.ErrNotFound) {
			r.log.Info().Str("server_id", job.ServerID).Str("vm", job.VM.ID).Msg("vm already gone, treating destroy as done")
			return nil
		}
		return err
	}

	if job.VM.ID == "" {
		return hvdomain.Permanent(string(job.Action), errors.New("server has no hypervisor identity"))
	}

	var (
		op   string
		call func(context.Context, hvdomain.VMRef) error
		want hvdomain.RemoteState
	)
	switch job.Action {
	case domain.ActionStart:
		op, call, want = "power_on", r.hv.PowerOn, hvdomain.StateRunning
	case domain.ActionStop:
		op, call, want = "power_off", r.hv.PowerOff, hvdomain.StateStopped
	case domain.ActionReboot:
		op, call, want = "reboot", r.hv.Reboot, hvdomain.StateRunning
	case domain.ActionShutdown:
		op, call, want = "shutdown", r.hv.GracefulShutdown, hvdomain.StateStopped
	default:
		return hvdomain.Permanent(string(job.Action), fmt.Errorf("unsupported action %q", job.Action))
	}

	if err := r.attempt(ctx, out, op, func(ctx context.Context) error { return call(ctx, job.VM) }); err != nil {
		return err
	}
	return r.confirm(ctx, job.VM, want)
}

// attempt runs call under the retry policy, counting and timing every
// attempt.
func (r *Runner) attempt(ctx context.Context, out *Outcome, op string, call func(context.Context) error) error {
	return retry.Do(ctx, r.cfg.Retry, hvdomain.IsTransient, func(ctx context.Context) error {
		out.Attempts++
		ctx, span := telemetry.Tracer().Start(ctx, "hypervisor."+op, trace.WithAttributes(
			attribute.Int("attempt", out.Attempts),
		))
		defer span.End()

		start := time.Now()
		err := call(ctx)
		r.metrics.RecordHypervisorCall(r.hv.Name(), op, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.log.Debug().Err(err).Str("op", op).Int("attempt", out.Attempts).
				Bool("transient", hvdomain.IsTransient(err)).Msg("hypervisor call failed")
		}
		return err
	})
}

// confirm polls the remote power state until it matches want. Some
// hypervisors acknowledge a power call before the guest has actually
// changed state.
func (r *Runner) confirm(ctx context.Context, vm hvdomain.VMRef, want hvdomain.RemoteState) error {
	var consecutiveErrors int

	for {
		state, err := r.hv.QueryStatus(ctx, vm)
		switch {
		case err == nil && state == want:
			return nil
		case err == nil:
			consecutiveErrors = 0
		case !hvdomain.IsTransient(err):
			return fmt.Errorf("confirming %s: %w", want, err)
		default:
			consecutiveErrors++
			if consecutiveErrors >= maxConfirmErrors {
				return fmt.Errorf("confirming %s (after %d consecutive failures): %w", want, consecutiveErrors, err)
			}
		}

		select {
		case <-ctx.Done():
			return hvdomain.Permanent("confirm", fmt.Errorf("timed out waiting for server to reach %q: %w", want, ctx.Err()))
		case <-time.After(r.cfg.ConfirmInterval):
		}
	}
}
