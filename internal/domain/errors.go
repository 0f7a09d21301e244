package domain

import "errors"

// Sentinel errors for cross-component error classification.
// Hypervisor adapters, stores, and the orchestrator wrap these so the
// API layer can map error categories to status codes without importing
// backend-specific packages.
//
//	return fmt.Errorf("failed to power off vm %s: %w", id, domain.ErrNotFound)
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthorized indicates the request was rejected due to
	// invalid, expired, or missing credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the hypervisor throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrConflict indicates a state or uniqueness conflict, such as
	// an operation on a server in a transitional state or a
	// compare-and-swap that lost a race.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition indicates the requested action is not legal
	// for the server's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRemoteTransient indicates a hypervisor call failed in a way
	// that is eligible for retry (timeout, throttling, unreachable).
	ErrRemoteTransient = errors.New("transient remote failure")

	// ErrRemotePermanent indicates a hypervisor call failed terminally.
	ErrRemotePermanent = errors.New("permanent remote failure")

	// ErrQueueFull indicates the background worker pool cannot accept
	// more work right now.
	ErrQueueFull = errors.New("job queue full")
)
