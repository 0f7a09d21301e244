package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nathanbeddoewebdev/vpsd/internal/actionstore"
	"nathanbeddoewebdev/vpsd/internal/retry"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/store"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
)

const (
	reconcileTimeout    = time.Minute
	storeAttemptTimeout = 10 * time.Second
)

// Reconciler writes a job's outcome back to the server row, releasing
// the status lock the Dispatcher acquired.
type Reconciler struct {
	store     store.Gateway
	actions   actionstore.ActionRepository
	publisher telemetry.Publisher
	metrics   *telemetry.Metrics
	policy    retry.Config
	log       zerolog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. actions and publisher may be nil.
// policy governs retries of failed store writes.
func NewReconciler(gw store.Gateway, actions actionstore.ActionRepository, publisher telemetry.Publisher, policy retry.Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Reconciler {
	if publisher == nil {
		publisher = telemetry.NopPublisher{}
	}
	policy.AttemptTimeout = storeAttemptTimeout
	return &Reconciler{
		store:     gw,
		actions:   actions,
		publisher: publisher,
		metrics:   metrics,
		policy:    policy,
		log:       telemetry.Component(logger, "reconciler"),
		now:       time.Now,
	}
}

// Reconcile applies outcome to the job's server. Success moves the
// server to the action's target status (or deletes it); failure moves it
// to failed with the error recorded. Every write expects the job's
// transient status, so a row that no longer holds it is reported rather
// than overwritten.
//
// Reconcile runs detached from ctx's cancellation so that a job aborted
// by shutdown still releases its server.
func (r *Reconciler) Reconcile(ctx context.Context, job Job, outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("server.id", job.ServerID),
		attribute.String("action", string(job.Action)),
	))
	defer span.End()

	log := r.log.With().Str("job_id", job.ID).Str("server_id", job.ServerID).Str("action", string(job.Action)).Logger()

	next, err := r.write(ctx, job, outcome)
	switch {
	case err == nil:
		ev := log.Info()
		if outcome.Err != nil {
			ev = log.Warn().Err(outcome.Err)
		}
		ev.Str("from", string(job.Transient)).Str("to", statusLabel(next, job)).Int("attempts", outcome.Attempts).Msg("job reconciled")
	case errors.Is(err, domain.ErrActionConflict), errors.Is(err, domain.ErrNotFound):
		r.metrics.RecordInvariantViolation(string(job.Action))
		log.Error().Err(err).Str("expected", string(job.Transient)).
			Msg("invariant violation: server no longer holds the job's transient status; outcome not applied")
	default:
		log.Error().Err(err).Str("expected", string(job.Transient)).Msg("reconcile write failed; server left in transient status")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	r.finalize(job, outcome, err)

	label := "success"
	if outcome.Err != nil {
		label = "failed"
	}
	if err != nil {
		label = "unreconciled"
	}
	r.metrics.RecordJob(string(job.Action), label, r.now().Sub(job.EnqueuedAt))

	if err == nil {
		event := telemetry.StatusChanged{
			Type:      telemetry.EventStatusChanged,
			ServerID:  job.ServerID,
			JobID:     job.ID,
			Action:    string(job.Action),
			From:      string(job.Transient),
			To:        statusLabel(next, job),
			Timestamp: r.now().UTC(),
		}
		if outcome.Err != nil {
			event.Error = outcome.Err.Error()
		}
		if perr := r.publisher.PublishStatusChanged(ctx, event); perr != nil {
			log.Warn().Err(perr).Msg("failed to publish status change")
		}
	}
}

// write performs the single reconcile write and returns the status the
// server now holds (StatusNone after a delete).
func (r *Reconciler) write(ctx context.Context, job Job, outcome Outcome) (domain.Status, error) {
	var (
		next  domain.Status
		apply func(context.Context) error
	)

	switch {
	case outcome.Err != nil:
		next = domain.StatusFailed
		fields := &store.Fields{LastError: outcome.Err.Error()}
		apply = func(ctx context.Context) error {
			return r.store.CompareAndSwap(ctx, job.ServerID, job.Transient, next, fields)
		}
	case job.Action == domain.ActionDelete:
		next = domain.StatusNone
		apply = func(ctx context.Context) error {
			return r.store.Delete(ctx, job.ServerID, job.Transient)
		}
	default:
		next = job.Target
		fields := &store.Fields{ClearError: true}
		if p := outcome.Provisioned; p != nil {
			fields.HypervisorID = p.VM.ID
			fields.Node = p.VM.Node
			fields.Address = p.Address
		}
		apply = func(ctx context.Context) error {
			return r.store.CompareAndSwap(ctx, job.ServerID, job.Transient, next, fields)
		}
	}

	return next, retry.Do(ctx, r.policy, retryableStoreError, apply)
}

// retryableStoreError reports whether a store write may succeed if tried
// again. A status mismatch or a missing row will not.
func retryableStoreError(err error) bool {
	if errors.Is(err, domain.ErrActionConflict) || errors.Is(err, domain.ErrNotFound) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (r *Reconciler) finalize(job Job, outcome Outcome, writeErr error) {
	if r.actions == nil || job.RecordID == 0 {
		return
	}
	record, err := r.actions.Get(job.RecordID)
	if err != nil || record == nil {
		r.log.Warn().Err(err).Int64("record_id", job.RecordID).Msg("action record unavailable")
		return
	}

	record.Attempts = outcome.Attempts
	switch {
	case writeErr != nil:
		record.Status = actionstore.StatusError
		record.ErrorMessage = "reconcile: " + writeErr.Error()
	case outcome.Err != nil:
		record.Status = actionstore.StatusError
		record.ErrorMessage = outcome.Err.Error()
	default:
		record.Status = actionstore.StatusSuccess
		record.ErrorMessage = ""
	}
	if err := r.actions.Save(record); err != nil {
		r.log.Warn().Err(err).Int64("record_id", job.RecordID).Msg("failed to finalize action record")
	}
}

func statusLabel(s domain.Status, job Job) string {
	if s == domain.StatusNone && job.Action == domain.ActionDelete {
		return "deleted"
	}
	return string(s)
}
