package notify

import (
	"context"
	"errors"
	"time"
)

// EventType identifies what happened.
type EventType string

// Event types.
const (
	EventSensorData   EventType = "sensor_data"
	EventStatusChange EventType = "status_change"
)

// Status-change metadata keys and values.
const (
	KeyStatus           = "status"
	KeyTransition       = "transition"
	KeyReason           = "reason"
	KeyOfflineDuration  = "offline_duration_seconds"
	KeyLastOfflineFor   = "last_offline_duration_seconds"
	KeyLastSeen         = "last_seen"
	ReasonDataTimeout   = "data_timeout"
	ReasonStatusMessage = "status_message"
)

// Event is delivered to notifiers at most once per logical occurrence:
// once per processed telemetry message, once per state transition.
type Event struct {
	Type      EventType      `json:"type"`
	DeviceID  string         `json:"device_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers events. Delivery is best effort: callers log a
// returned error and never undo the state change that produced the event.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, e Event) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Multi fans an event out to every notifier. All are tried; their errors
// are joined.
type Multi []Notifier

// Notify delivers e to each notifier in order.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) error { return nil }
