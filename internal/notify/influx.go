package notify

import (
	"context"
	"time"
)

// StatusWriter is the subset of *influxdb.Client used to record transitions.
type StatusWriter interface {
	WriteStatusChange(deviceID, state, transition string, offlineSeconds float64, at time.Time)
}

// Influx records status changes as device_connectivity points. Writes are
// batched asynchronously by the client, so Notify never fails.
type Influx struct {
	w StatusWriter
}

// NewInflux creates a time-series notifier.
func NewInflux(w StatusWriter) *Influx {
	return &Influx{w: w}
}

// Notify writes a point for status changes and ignores other events.
func (n *Influx) Notify(_ context.Context, e Event) error {
	if e.Type != EventStatusChange {
		return nil
	}
	state, _ := e.Payload[KeyStatus].(string)
	transition, _ := e.Payload[KeyTransition].(string)
	offline, _ := e.Payload[KeyOfflineDuration].(float64)

	n.w.WriteStatusChange(e.DeviceID, state, transition, offline, e.Timestamp)
	return nil
}
