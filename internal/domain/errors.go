// Package domain defines the task model, ports, and domain-specific errors
// shared by the scheduler core and its adapters.
package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("unavailable")
	ErrInvariant       = errors.New("invariant violation")
	ErrInternal        = errors.New("internal error")
)
