// Package notify delivers device events to the rest of the platform.
//
// Two event types exist: sensor_data, emitted once per processed telemetry
// message, and status_change, emitted once per liveness transition.
// Notifiers are best effort. A failed notification is logged by the caller
// and never rolls back the state change that produced it.
//
// Implementations:
//   - Log: writes events to the service log
//   - MQTT: publishes to devicelink/events/{type}/{device_id}
//   - AMQP: confirm-mode publish to the device_management exchange
//   - Telegram: HTML alert per status change
//   - Influx: device_connectivity point per status change
//   - Multi: fan-out to several notifiers
package notify
