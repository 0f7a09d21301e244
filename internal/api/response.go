package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/server/orchestrator"
)

type envelope struct {
	Result any `json:"result"`
}

type listEnvelope struct {
	Result              any  `json:"result"`
	Poll                bool `json:"poll"`
	PollIntervalSeconds int  `json:"poll_interval_seconds"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeDomainError maps err onto a status code by its sentinel.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, code, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrActionConflict):
		return http.StatusConflict, "action_conflict"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, orchestrator.ErrInvalidTemplate):
		return http.StatusUnprocessableEntity, "invalid_template"
	case errors.Is(err, orchestrator.ErrInvalidHostName):
		return http.StatusUnprocessableEntity, "invalid_host_name"
	case errors.Is(err, domain.ErrUnknownDatacenter):
		return http.StatusUnprocessableEntity, "invalid_datacenter"
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, domain.ErrNoFreeAddress):
		return http.StatusServiceUnavailable, "no_free_address"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
