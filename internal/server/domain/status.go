package domain

// Status is the lifecycle status of a server. The persisted status doubles
// as a distributed lock: a server in a transient status has exactly one
// outstanding background job.
type Status string

// StatusNone is the status of a server that does not exist yet.
const StatusNone Status = ""

// Stable statuses.
const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Transient statuses.
const (
	StatusSettingUp    Status = "setting_up"
	StatusStarting     Status = "starting"
	StatusStopping     Status = "stopping"
	StatusRebooting    Status = "rebooting"
	StatusShuttingDown Status = "shutting_down"
	StatusDeleting     Status = "deleting"
)

// StableStatuses lists every stable status.
var StableStatuses = []Status{StatusRunning, StatusStopped, StatusFailed}

// TransientStatuses lists every transient status.
var TransientStatuses = []Status{
	StatusSettingUp,
	StatusStarting,
	StatusStopping,
	StatusRebooting,
	StatusShuttingDown,
	StatusDeleting,
}

// IsStable reports whether s is running, stopped, or failed.
func (s Status) IsStable() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// IsTransient reports whether s represents an operation in flight.
func (s Status) IsTransient() bool {
	switch s {
	case StatusSettingUp, StatusStarting, StatusStopping, StatusRebooting, StatusShuttingDown, StatusDeleting:
		return true
	}
	return false
}

// Valid reports whether s is a known persisted status.
func (s Status) Valid() bool {
	return s.IsStable() || s.IsTransient()
}

func (s Status) String() string {
	if s == StatusNone {
		return "none"
	}
	return string(s)
}
