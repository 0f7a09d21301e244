package domain

import (
	"fmt"
	"strings"
)

// Action is a lifecycle operation a user can request on a server.
type Action string

const (
	ActionCreate   Action = "create"
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionReboot   Action = "reboot"
	ActionShutdown Action = "shutdown"
	ActionDelete   Action = "delete"
)

// Actions lists every known action.
var Actions = []Action{ActionCreate, ActionStart, ActionStop, ActionReboot, ActionShutdown, ActionDelete}

// ParseAction converts user input into an Action. Matching is
// case-insensitive. Only the power actions are accepted here; create and
// delete have their own endpoints.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionStart, ActionStop, ActionReboot, ActionShutdown:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q (expected start, stop, reboot, or shutdown)", s)
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}
