// Package lifecycle holds the server status transition table. It is the
// only place that decides whether an action may run against a server.
package lifecycle

import (
	"fmt"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
)

type edge struct {
	from   domain.Status
	action domain.Action
}

var transitions = map[edge]domain.Status{
	{domain.StatusNone, domain.ActionCreate}: domain.StatusSettingUp,

	{domain.StatusStopped, domain.ActionStart}: domain.StatusStarting,
	{domain.StatusFailed, domain.ActionStart}:  domain.StatusStarting,

	{domain.StatusRunning, domain.ActionStop}: domain.StatusStopping,
	{domain.StatusFailed, domain.ActionStop}:  domain.StatusStopping,

	{domain.StatusRunning, domain.ActionReboot}:   domain.StatusRebooting,
	{domain.StatusRunning, domain.ActionShutdown}: domain.StatusShuttingDown,

	{domain.StatusStopped, domain.ActionDelete}: domain.StatusDeleting,
	{domain.StatusFailed, domain.ActionDelete}:  domain.StatusDeleting,
}

var onSuccess = map[domain.Action]domain.Status{
	domain.ActionCreate:   domain.StatusRunning,
	domain.ActionStart:    domain.StatusRunning,
	domain.ActionReboot:   domain.StatusRunning,
	domain.ActionStop:     domain.StatusStopped,
	domain.ActionShutdown: domain.StatusStopped,
}

// Decide returns the transient status a server enters when action is
// accepted from current. A server that is already transient rejects every
// action with ErrActionConflict; any other pair missing from the table is
// rejected with ErrInvalidTransition.
func Decide(current domain.Status, action domain.Action) (domain.Status, error) {
	if current.IsTransient() {
		return "", fmt.Errorf("cannot %s server while it is %s: %w", action, current, domain.ErrActionConflict)
	}
	next, ok := transitions[edge{current, action}]
	if !ok {
		return "", fmt.Errorf("cannot %s server in status %s: %w", action, current, domain.ErrInvalidTransition)
	}
	return next, nil
}

// TargetOnSuccess returns the stable status a successful job resolves to.
// The boolean is false for delete, whose success removes the row.
func TargetOnSuccess(action domain.Action) (domain.Status, bool) {
	s, ok := onSuccess[action]
	return s, ok
}

// Allowed lists the actions accepted from current, in a stable order.
func Allowed(current domain.Status) []domain.Action {
	var out []domain.Action
	for _, a := range domain.Actions {
		if _, ok := transitions[edge{current, a}]; ok {
			out = append(out, a)
		}
	}
	return out
}
