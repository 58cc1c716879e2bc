// Package api implements the devicelink operator HTTP surface.
//
// This package provides:
//   - Device listing, lookup, and soft deactivation
//   - Command submission to one device or broadcast to all connected devices
//   - Delivery metrics and the bounded buffer of recent command failures
//   - Health checks across the database and broker connections
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The server sits beside the ingestion pipeline. It reads the device registry
// and liveness tracker, and drives the command publisher, which owns the
// publisher-role MQTT connection. It never touches the consumer connection,
// so an operator command can not stall telemetry intake.
//
// # Graceful Degradation
//
// A broker outage surfaces as a 503 on command endpoints and a degraded
// health report; reads keep working from the registry.
package api
