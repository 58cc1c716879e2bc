package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	// Telemetry then lives only in the device registry.
	ErrDisabled = errors.New("influxdb: sink disabled")

	// ErrConnectionFailed wraps the reason the startup ping did not succeed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrUnhealthy means the server answered the ping but reported itself unhealthy.
	ErrUnhealthy = errors.New("influxdb: server unhealthy")

	// ErrClosed is returned by HealthCheck after Close.
	ErrClosed = errors.New("influxdb: sink closed")

	// ErrWriteFailed wraps asynchronous batch failures passed to the
	// SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: batch write failed")
)
