package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
)

// ErrPoolClosed is returned by Submit after Shutdown. It matches
// domain.ErrQueueFull so callers can treat both the same way.
var ErrPoolClosed = fmt.Errorf("worker pool is shut down: %w", domain.ErrQueueFull)

// Handler processes one job. It must not return before the job has been
// reconciled.
type Handler func(ctx context.Context, job Job)

// Pool is a bounded job queue drained by a fixed number of workers.
// Jobs run under a context owned by the pool, never the submitter's.
type Pool struct {
	queue   chan Job
	handle  Handler
	workers int
	metrics *telemetry.Metrics
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// grace bounds how long Shutdown waits, after cancelling, for the
	// cancelled and still-queued jobs to reconcile.
	grace time.Duration
}

// NewPool starts a pool with the given concurrency and queue capacity.
func NewPool(workers, queueSize int, handle Handler, metrics *telemetry.Metrics, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan Job, queueSize),
		handle:  handle,
		workers: workers,
		metrics: metrics,
		log:     telemetry.Component(logger, "pool"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		grace:   reconcileTimeout,
	}
	go p.run()
	return p
}

func (p *Pool) run() {
	defer close(p.done)

	var g errgroup.Group
	g.SetLimit(p.workers)
	for job := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		g.Go(func() error {
			p.handle(p.ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

// Submit enqueues job without blocking. It returns domain.ErrQueueFull
// when the queue is at capacity and ErrPoolClosed after Shutdown.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- job:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		return fmt.Errorf("%d jobs waiting: %w", cap(p.queue), domain.ErrQueueFull)
	}
}

// Depth returns the number of jobs waiting for a worker.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Shutdown stops intake and waits for queued and in-flight jobs. If ctx
// expires first, running jobs are cancelled and queued jobs are handed to
// workers under the cancelled context, so each of them reconciles as a
// failure. Shutdown returns only after those reconciliations finish, or
// after the grace period if they hang, and then reports ctx's error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
	}

	p.log.Warn().Int("queued", len(p.queue)).Msg("shutdown deadline reached, cancelling running jobs")
	p.cancel()

	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case <-p.done:
		p.log.Info().Msg("cancelled jobs reconciled")
	case <-grace.C:
		p.log.Error().Dur("grace", p.grace).Msg("jobs still reconciling after grace period, exiting anyway")
	}
	return ctx.Err()
}
