package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/server/lifecycle"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 16

type createRequest struct {
	ProductID  string `json:"product_id" validate:"required"`
	HostName   string `json:"host_name" validate:"required"`
	OS         string `json:"os" validate:"required"`
	Datacenter string `json:"datacenter" validate:"required"`
	CPUCores   int    `json:"cpu_cores" validate:"omitempty,min=1,max=128"`
	RAMGB      int    `json:"ram_gb" validate:"omitempty,min=1,max=1024"`
}

type actionRequest struct {
	Action string `json:"action" validate:"required"`
}

// serverView is a server as returned to clients, with the actions its
// current status allows.
type serverView struct {
	*domain.Server
	AllowedActions []domain.Action `json:"allowed_actions"`
}

func newServerView(srv *domain.Server) serverView {
	allowed := lifecycle.Allowed(srv.Status)
	if allowed == nil {
		allowed = []domain.Action{}
	}
	return serverView{Server: srv, AllowedActions: allowed}
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}

	srv, receipt, err := s.dispatcher.Create(r.Context(), domain.CreateServerOpts{
		UserID:     userID(r),
		ProductID:  req.ProductID,
		HostName:   req.HostName,
		OS:         req.OS,
		Datacenter: req.Datacenter,
		CPUCores:   req.CPUCores,
		MemoryGB:   req.RAMGB,
	})
	if err != nil {
		auditlog.Annotate(r.Context(), auditlog.Metadata{Detail: err.Error()})
		writeDomainError(w, r, err)
		return
	}

	auditlog.Annotate(r.Context(), auditlog.Metadata{
		ResourceID: srv.ID,
		Detail:     fmt.Sprintf("create %s (job %s)", srv.HostName, receipt.JobID),
	})
	w.Header().Set("Location", "/servers/"+srv.ID)
	writeJSON(w, http.StatusAccepted, envelope{Result: newServerView(srv)})
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.reader.ListForUser(r.Context(), userID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	views := make([]serverView, 0, len(servers))
	poll := false
	for i := range servers {
		views = append(views, newServerView(&servers[i]))
		if servers[i].Status.IsTransient() {
			poll = true
		}
	}
	writeJSON(w, http.StatusOK, listEnvelope{
		Result:              views,
		Poll:                poll,
		PollIntervalSeconds: int(pollInterval.Seconds()),
	})
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	srv, err := s.reader.Get(r.Context(), id)
	if err == nil && !srv.OwnedBy(userID(r)) {
		err = fmt.Errorf("server %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Result: newServerView(srv)})
}

func (s *Server) serverAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, err := domain.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.dispatch(w, r, action)
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, domain.ActionDelete)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, action domain.Action) {
	receipt, err := s.dispatcher.Dispatch(r.Context(), userID(r), r.PathValue("id"), action)
	if err != nil {
		auditlog.Annotate(r.Context(), auditlog.Metadata{Detail: string(action) + ": " + err.Error()})
		writeDomainError(w, r, err)
		return
	}
	auditlog.Annotate(r.Context(), auditlog.Metadata{
		Detail: fmt.Sprintf("%s (job %s)", action, receipt.JobID),
	})
	writeJSON(w, http.StatusAccepted, envelope{Result: receipt})
}

func (s *Server) catalog(w http.ResponseWriter, r *http.Request) {
	cat, err := s.dispatcher.Catalog(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Result: cat})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into v and validates it, writing a 400 and
// returning false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", jsonName(fe.Field())))
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", jsonName(fe.Field()), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

var fieldNames = map[string]string{
	"ProductID":  "product_id",
	"HostName":   "host_name",
	"OS":         "os",
	"Datacenter": "datacenter",
	"CPUCores":   "cpu_cores",
	"RAMGB":      "ram_gb",
	"Action":     "action",
}

func jsonName(field string) string {
	if name, ok := fieldNames[field]; ok {
		return name
	}
	return field
}
