// Package api exposes the orchestrator over HTTP.
//
// Every route except /healthz and /metrics is scoped to the user named in
// the X-User-ID header; authentication happens upstream. Mutations answer
// 202 Accepted as soon as the job has been queued, and clients poll the
// server resource until it leaves its transient status.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/server/orchestrator"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

// pollInterval is the client polling cadence advertised while any server
// is transient.
const pollInterval = 5 * time.Second

// Dispatcher is the write side of the orchestrator.
type Dispatcher interface {
	Create(ctx context.Context, opts domain.CreateServerOpts) (*domain.Server, *orchestrator.Receipt, error)
	Dispatch(ctx context.Context, userID, serverID string, action domain.Action) (*orchestrator.Receipt, error)
	Catalog(ctx context.Context) (*orchestrator.Catalog, error)
}

// Reader is the read side, satisfied by store.Gateway.
type Reader interface {
	Get(ctx context.Context, id string) (*domain.Server, error)
	ListForUser(ctx context.Context, userID string) ([]domain.Server, error)
}

// Options configures a Server. Audit and Metrics are optional.
type Options struct {
	Dispatcher Dispatcher
	Reader     Reader
	Hypervisor string
	Audit      auditlog.Repository
	Metrics    *telemetry.Metrics
	Logger     zerolog.Logger
}

// Server is the HTTP front end.
type Server struct {
	dispatcher Dispatcher
	reader     Reader
	hypervisor string
	audit      auditlog.Repository
	metrics    *telemetry.Metrics
	log        zerolog.Logger
	validate   *validator.Validate
	now        func() time.Time
}

func New(opts Options) *Server {
	return &Server{
		dispatcher: opts.Dispatcher,
		reader:     opts.Reader,
		hypervisor: opts.Hypervisor,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		log:        telemetry.Component(opts.Logger, "api"),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /servers", s.requireUser(s.audited(s.createServer)))
	s.handle(mux, "GET /servers", s.requireUser(s.listServers))
	s.handle(mux, "GET /servers/{id}", s.requireUser(s.getServer))
	s.handle(mux, "POST /servers/{id}/actions", s.requireUser(s.audited(s.serverAction)))
	s.handle(mux, "DELETE /servers/{id}", s.requireUser(s.audited(s.deleteServer)))
	s.handle(mux, "GET /catalog", s.requireUser(s.catalog))

	s.handle(mux, "GET /healthz", s.healthz)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withRequestLogger(mux)
}
