package notify

import "context"

// Logger defines the logging interface used by notifiers.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Log writes status changes at info level and sensor data at debug level.
type Log struct {
	logger Logger
}

// NewLog creates a logging notifier.
func NewLog(logger Logger) *Log {
	return &Log{logger: logger}
}

// Notify logs the event.
func (l *Log) Notify(_ context.Context, e Event) error {
	switch e.Type {
	case EventStatusChange:
		l.logger.Info("device status changed",
			"device_id", e.DeviceID,
			"status", e.Payload[KeyStatus],
			"transition", e.Payload[KeyTransition],
		)
	default:
		l.logger.Debug("device event", "type", string(e.Type), "device_id", e.DeviceID)
	}
	return nil
}
