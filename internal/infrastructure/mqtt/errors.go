package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a single connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrRetriesExhausted is returned when the publisher role gives up
	// after its bounded number of connection attempts.
	ErrRetriesExhausted = errors.New("mqtt: connection retries exhausted")

	// ErrClosed is returned for operations on a client after Close.
	ErrClosed = errors.New("mqtt: client closed")

	// ErrPublishFailed is returned when the broker rejects a publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrPayloadTooLarge is returned when a payload exceeds the size limit.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrWrongRole is returned when a publisher connection is asked to subscribe.
	ErrWrongRole = errors.New("mqtt: operation not allowed for this role")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or invalid topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
