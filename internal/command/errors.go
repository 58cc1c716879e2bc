package command

import "errors"

// Domain-specific errors for command delivery.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidAction is returned when an action is unknown-shaped or is
	// missing a required field.
	ErrInvalidAction = errors.New("command: invalid action")

	// ErrInvalidEnvelope is returned when a serialized envelope cannot be parsed.
	ErrInvalidEnvelope = errors.New("command: invalid envelope")

	// ErrInvalidDevice is returned for an empty or malformed device id.
	ErrInvalidDevice = errors.New("command: invalid device id")

	// ErrInvalidPriority is returned when priority is outside 0..10.
	ErrInvalidPriority = errors.New("command: priority must be between 0 and 10")

	// ErrPayloadTooLarge is returned when the serialized envelope exceeds
	// the configured maximum.
	ErrPayloadTooLarge = errors.New("command: payload too large")

	// ErrNotConnected is returned when no broker connection could be made.
	ErrNotConnected = errors.New("command: broker not connected")

	// ErrPublishRejected is returned when the broker refuses the publish.
	ErrPublishRejected = errors.New("command: publish rejected")

	// ErrTimeout is returned when no acknowledgement arrives in time.
	ErrTimeout = errors.New("command: acknowledgement timed out")
)
