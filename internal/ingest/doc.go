// Package ingest turns inbound device messages into registry, liveness and
// persistence updates.
//
// Messages arrive either from the durable AMQP queues (sensor_data,
// device_status) or from an MQTT consumer subscription to devices/+/data
// and devices/+/status. Both paths share one Pipeline:
//
//	registry.Observe -> liveness.Observe -> RecordTelemetry -> time series -> sensor_data event
//
// Failure handling follows the AMQP ack policy: malformed input wraps
// ErrMalformed and is dead-lettered without requeue, persistence failures
// are requeued once, and everything else is acknowledged.
package ingest
