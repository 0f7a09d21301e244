package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nathanbeddoewebdev/vpsd/internal/auditlog"
)

// statusRecorder captures the response code for logging, metrics, and
// auditing.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

// withRequestLogger attaches a request-scoped logger to the context and
// logs each completed request.
func (s *Server) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		log := s.log.With().Str("request_id", requestID).Str("method", r.Method).Str("path", r.URL.Path).Logger()
		r = r.WithContext(log.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w}
		start := s.now()
		next.ServeHTTP(rec, r)

		level := zerolog.DebugLevel
		if rec.status() >= http.StatusInternalServerError {
			level = zerolog.WarnLevel
		}
		log.WithLevel(level).Int("status", rec.status()).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

// handle registers h under pattern and counts requests by route.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, pattern, rec.status())
	})
}

// requireUser rejects requests without a user id.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+UserHeader+" header")
			return
		}
		next(w, r)
	}
}

func userID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

// audited records the request in the audit log once it completes.
// Handlers name the affected resource with auditlog.Annotate.
func (s *Server) audited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.audit == nil {
			next(w, r)
			return
		}

		ctx := auditlog.WithMetadata(r.Context(), auditlog.Metadata{
			Hypervisor:   s.hypervisor,
			ResourceType: "server",
			ResourceID:   r.PathValue("id"),
		})
		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w}
		start := s.now()

		next(rec, r)

		meta := auditlog.MetadataFromContext(ctx)
		outcome := auditlog.OutcomeSuccess
		if rec.status() >= http.StatusBadRequest {
			outcome = auditlog.OutcomeError
		}
		entry := &auditlog.AuditEntry{
			Timestamp:    start.UTC(),
			Command:      r.Method + " " + r.URL.Path,
			UserID:       userID(r),
			Hypervisor:   meta.Hypervisor,
			ResourceType: meta.ResourceType,
			ResourceID:   meta.ResourceID,
			Outcome:      outcome,
			StatusCode:   rec.status(),
			Detail:       meta.Detail,
			DurationMs:   s.now().Sub(start).Milliseconds(),
		}
		if err := s.audit.Save(entry); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("failed to write audit entry")
		}
	}
}
