package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/store"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
)

// ScanStale returns servers that have held a transient status for longer
// than staleAfter. Such servers are locked by a job that will never
// reconcile, typically because the process died mid-job, and need an
// operator.
func ScanStale(ctx context.Context, gw store.Gateway, staleAfter time.Duration, now time.Time) ([]domain.Server, error) {
	return gw.ListTransientOlderThan(ctx, now.Add(-staleAfter))
}

// MonitorStale reports stale transient servers every interval until ctx
// is cancelled.
func MonitorStale(ctx context.Context, gw store.Gateway, staleAfter, every time.Duration, metrics *telemetry.Metrics, logger zerolog.Logger) {
	log := telemetry.Component(logger, "stale")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		servers, err := ScanStale(ctx, gw, staleAfter, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("stale scan failed")
		} else {
			metrics.SetStaleTransient(len(servers))
			for _, s := range servers {
				log.Warn().Str("server_id", s.ID).Str("status", string(s.Status)).
					Time("since", s.UpdatedAt).Msg("server stuck in transient status")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
