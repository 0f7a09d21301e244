package actionstore

import "time"

// Record status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// ActionRecord is the durable trace of one dispatched job. It is written
// when the dispatcher hands the job to the worker pool and finalized by
// the reconciler, so an operator can see what ran, how often it was
// attempted, and why it failed.
type ActionRecord struct {
	// ID is the auto-increment primary key (assigned on insert).
	ID int64 `json:"id"`

	// JobID is the orchestrator's job identifier.
	JobID string `json:"job_id"`

	// Hypervisor is the name of the hypervisor backend (e.g. "proxmox").
	Hypervisor string `json:"hypervisor"`

	// ServerID is the ID of the server being acted upon.
	ServerID string `json:"server_id"`

	// HostName is the server's host name (for display).
	HostName string `json:"host_name,omitempty"`

	// Command is the lifecycle action, e.g. "start", "delete".
	Command string `json:"command"`

	// TransientStatus is the status the server held while the job ran.
	TransientStatus string `json:"transient_status"`

	// TargetStatus is the status the server resolves to on success.
	// Empty for delete, whose success removes the server.
	TargetStatus string `json:"target_status,omitempty"`

	// Status is the current state: "running", "success", or "error".
	Status string `json:"status"`

	// Attempts counts hypervisor attempts made so far.
	Attempts int `json:"attempts"`

	// ErrorMessage contains a human-readable explanation when Status is "error".
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt is when the job was dispatched.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last time the record was modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsComplete reports whether the job has finished, regardless of outcome.
func (r *ActionRecord) IsComplete() bool {
	return r.Status == StatusSuccess || r.Status == StatusError
}
