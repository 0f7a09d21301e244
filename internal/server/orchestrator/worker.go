package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	hvdomain "nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
)

// Worker runs one job and reconciles it exactly once, even when the
// runner panics.
type Worker struct {
	runner     *Runner
	reconciler *Reconciler
	log        zerolog.Logger
}

func NewWorker(runner *Runner, reconciler *Reconciler, logger zerolog.Logger) *Worker {
	return &Worker{
		runner:     runner,
		reconciler: reconciler,
		log:        telemetry.Component(logger, "worker"),
	}
}

// Handle satisfies Handler.
func (w *Worker) Handle(ctx context.Context, job Job) {
	var outcome Outcome
	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error().
				Str("job_id", job.ID).
				Str("server_id", job.ServerID).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
			outcome = Outcome{
				Attempts: outcome.Attempts,
				Err:      hvdomain.Permanent(string(job.Action), fmt.Errorf("job panicked: %v", rec)),
			}
		}
		w.reconciler.Reconcile(ctx, job, outcome)
	}()

	outcome = w.runner.Run(ctx, job)
}
