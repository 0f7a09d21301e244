package domain

import (
	"context"
	"errors"
	"fmt"
	"net"

	shared "nathanbeddoewebdev/vpsd/internal/domain"
)

// RemoteError classifies a failed hypervisor call. It matches both its
// class sentinel (ErrRemoteTransient or ErrRemotePermanent) and its cause
// under errors.Is.
type RemoteError struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *RemoteError) Error() string {
	class := "transient"
	if e.Permanent {
		class = "permanent"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, class)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	class := shared.ErrRemoteTransient
	if e.Permanent {
		class = shared.ErrRemotePermanent
	}
	if e.Err == nil {
		return []error{class}
	}
	return []error{class, e.Err}
}

// Transient wraps err as a retryable remote failure.
func Transient(op string, err error) error {
	return &RemoteError{Op: op, Err: err}
}

// Permanent wraps err as a terminal remote failure.
func Permanent(op string, err error) error {
	return &RemoteError{Op: op, Permanent: true, Err: err}
}

// IsTransient reports whether err should be retried. Errors that were
// classified by an adapter keep their class; unclassified timeouts and
// network errors are treated as transient, everything else as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return !remote.Permanent
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, shared.ErrRateLimited) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
