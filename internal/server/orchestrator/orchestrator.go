package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"nathanbeddoewebdev/vpsd/internal/actionstore"
	"nathanbeddoewebdev/vpsd/internal/config"
	hvdomain "nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/retry"
	"nathanbeddoewebdev/vpsd/internal/store"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
)

// Config sizes the pool and bounds job execution.
type Config struct {
	Workers         int
	QueueSize       int
	Retry           retry.Config
	JobTimeout      time.Duration
	ConfirmInterval time.Duration
	// Templates maps operating system names to hypervisor template
	// references.
	Templates map[string]string
}

// ConfigFrom extracts the orchestrator settings from the service
// configuration, applying defaults for anything unset.
func ConfigFrom(cfg *config.Config) Config {
	c := cfg.WithDefaults()
	return Config{
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		Retry:           c.RetryPolicy(),
		JobTimeout:      c.JobTimeout.Std(),
		ConfirmInterval: c.ConfirmInterval.Std(),
		Templates:       c.Templates,
	}
}

// Deps are the collaborators the orchestrator runs against. Actions,
// Publisher, and Metrics are optional.
type Deps struct {
	Store      store.Gateway
	Actions    actionstore.ActionRepository
	Hypervisor hvdomain.Hypervisor
	Publisher  telemetry.Publisher
	Metrics    *telemetry.Metrics
	Logger     zerolog.Logger
}

// Orchestrator wires the dispatcher, worker pool, runner, and reconciler
// together.
type Orchestrator struct {
	*Dispatcher
	pool *Pool
}

// New starts the worker pool and returns a ready Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Hypervisor == nil {
		return nil, errors.New("orchestrator: hypervisor is required")
	}

	runner := NewRunner(deps.Hypervisor, RunnerConfig{
		Retry:           cfg.Retry,
		JobTimeout:      cfg.JobTimeout,
		ConfirmInterval: cfg.ConfirmInterval,
	}, deps.Metrics, deps.Logger)
	reconciler := NewReconciler(deps.Store, deps.Actions, deps.Publisher, cfg.Retry, deps.Metrics, deps.Logger)
	worker := NewWorker(runner, reconciler, deps.Logger)
	pool := NewPool(cfg.Workers, cfg.QueueSize, worker.Handle, deps.Metrics, deps.Logger)

	return &Orchestrator{
		Dispatcher: NewDispatcher(deps.Store, deps.Actions, pool, deps.Hypervisor.Name(), cfg.Templates, deps.Metrics, deps.Logger),
		pool:       pool,
	}, nil
}

// QueueDepth returns the number of jobs waiting for a worker.
func (o *Orchestrator) QueueDepth() int {
	return o.pool.Depth()
}

// Shutdown stops accepting jobs and waits for running ones. See
// Pool.Shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.pool.Shutdown(ctx)
}
