package amqp

import "errors"

// Domain-specific errors for AMQP operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when no broker connection is available.
	ErrNotConnected = errors.New("amqp: not connected")

	// ErrConnectionFailed is returned when dialling or opening a channel fails.
	ErrConnectionFailed = errors.New("amqp: connection failed")

	// ErrConnectionLost is returned when an established connection closes unexpectedly.
	ErrConnectionLost = errors.New("amqp: connection lost")

	// ErrTopology is returned when declaring exchanges, queues or bindings fails.
	ErrTopology = errors.New("amqp: topology declaration failed")

	// ErrMalformedMessage marks a delivery that can never be processed.
	// Deliveries failing with it are rejected without requeue and
	// dead-lettered.
	ErrMalformedMessage = errors.New("amqp: malformed message")

	// ErrPublishFailed is returned when a publish cannot be sent.
	ErrPublishFailed = errors.New("amqp: publish failed")

	// ErrNacked is returned when the broker negatively confirms a publish.
	ErrNacked = errors.New("amqp: publish not confirmed by broker")

	// ErrClosed is returned for operations after Close.
	ErrClosed = errors.New("amqp: closed")
)
