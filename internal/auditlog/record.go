package auditlog

import (
	"strings"
	"time"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Entry sources. API entries are keyed by "METHOD /path", CLI entries by
// the command path, which always starts with "vpsd ".
const (
	SourceAll = "all"
	SourceAPI = "api"
	SourceCLI = "cli"
)

// AuditEntry represents a persisted audit event. Entries are written for
// every mutating API request and for state-changing CLI commands.
type AuditEntry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Command      string    `json:"command"`
	Args         string    `json:"args,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Hypervisor   string    `json:"hypervisor,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Outcome      string    `json:"outcome"`
	StatusCode   int       `json:"status_code,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// Source reports whether the entry was written by the HTTP API or the CLI.
func (e *AuditEntry) Source() string {
	if strings.HasPrefix(e.Command, "vpsd ") {
		return SourceCLI
	}
	return SourceAPI
}

// PruneFilter selects the entries Prune removes.
type PruneFilter struct {
	// Before is the exclusive upper bound on entry timestamps.
	Before time.Time
	// Source restricts removal to SourceAPI or SourceCLI entries. Empty
	// or SourceAll matches both.
	Source string
	// KeepErrors leaves failed entries in place.
	KeepErrors bool
	// DryRun counts the matching entries without deleting them.
	DryRun bool
}
