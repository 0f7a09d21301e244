// Package orchestrator accepts lifecycle actions, runs them against the
// hypervisor in the background, and writes each outcome back to the
// server row.
//
// The persisted status is the only lock. The Dispatcher acquires it by
// moving a server into a transient status with a compare-and-swap, and
// the Reconciler releases it by moving the server to a stable status (or
// deleting the row) once the job has finished. Nothing in this package
// holds per-server state in memory.
package orchestrator

import (
	"time"

	hvdomain "nathanbeddoewebdev/vpsd/internal/hypervisor/domain"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
)

// Job is a unit of background work for one server.
type Job struct {
	ID       string
	ServerID string
	HostName string
	Action   domain.Action

	// From is the status the server held before dispatch (StatusNone for
	// create). Transient is the status held while the job runs and the
	// status every reconcile write expects. Target is the status on
	// success, empty for delete.
	From      domain.Status
	Transient domain.Status
	Target    domain.Status

	// VM is the hypervisor identity known at dispatch time. Empty for
	// create and for servers whose creation failed before cloning.
	VM hvdomain.VMRef

	// Clone is set for create jobs only.
	Clone *hvdomain.CloneSpec

	// RecordID is the action store record tracking this job, or 0.
	RecordID   int64
	EnqueuedAt time.Time
}

// Outcome is the result of running a job.
type Outcome struct {
	// Provisioned is set by a successful create.
	Provisioned *hvdomain.Provisioned
	Attempts    int
	Err         error
}

// Receipt acknowledges an accepted action. The job runs after the
// receipt has been returned.
type Receipt struct {
	JobID    string        `json:"job_id"`
	ServerID string        `json:"server_id"`
	Action   domain.Action `json:"action"`
	Status   domain.Status `json:"status"`
}
