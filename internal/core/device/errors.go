package device

import "errors"

var (
	// ErrNotFound is returned for an id that is not in the registry.
	ErrNotFound = errors.New("device not found")
	// ErrTimeout is returned when a command exceeds the control timeout.
	ErrTimeout = errors.New("device did not respond in time")
	// ErrUnreachable is returned by drivers that cannot reach a device.
	ErrUnreachable = errors.New("device unreachable")
	// ErrNoDriver is returned when no driver serves a device's medium.
	ErrNoDriver = errors.New("no driver for medium")
)
