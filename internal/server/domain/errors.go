package domain

import (
	"errors"

	shared "nathanbeddoewebdev/vpsd/internal/domain"
)

var (
	// ErrNotFound indicates the requested server does not exist.
	ErrNotFound = shared.ErrNotFound
	// ErrUnauthorized indicates the hypervisor rejected the credentials.
	ErrUnauthorized = shared.ErrUnauthorized
	// ErrRateLimited indicates the hypervisor throttled the request.
	ErrRateLimited = shared.ErrRateLimited
	// ErrConflict indicates a state or uniqueness conflict.
	ErrConflict = shared.ErrConflict
	// ErrActionConflict is returned when an action is requested while
	// another one is in flight, or when a dispatch loses a race.
	ErrActionConflict = shared.ErrConflict
	// ErrInvalidTransition is returned for actions not legal from the
	// current status.
	ErrInvalidTransition = shared.ErrInvalidTransition
	// ErrRemoteTransient marks a retryable hypervisor failure.
	ErrRemoteTransient = shared.ErrRemoteTransient
	// ErrRemotePermanent marks a terminal hypervisor failure.
	ErrRemotePermanent = shared.ErrRemotePermanent
	// ErrQueueFull is returned when the worker pool is saturated.
	ErrQueueFull = shared.ErrQueueFull

	// ErrUnknownDatacenter is returned when no network is configured for
	// the requested datacenter.
	ErrUnknownDatacenter = errors.New("unknown datacenter")
	// ErrNoFreeAddress is returned when every address in the
	// datacenter's networks is assigned.
	ErrNoFreeAddress = errors.New("no free address")
)
