package device

import "errors"

// Registry and repository errors. Callers match them with errors.Is; the
// API maps ErrDeviceNotFound to 404 and the other two to 400.
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDeviceID is returned for an empty or malformed device id.
	ErrInvalidDeviceID = errors.New("device: invalid device id")

	// ErrInvalidState is returned when a connectivity state is not recognised.
	ErrInvalidState = errors.New("device: invalid state")
)
