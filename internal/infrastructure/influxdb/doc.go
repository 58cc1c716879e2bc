// Package influxdb provides the optional time-series sink for devicelink.
//
// It wraps the official influxdb-client-go v2 library and records:
//   - Device telemetry (measurement device_telemetry, tag device_id, one
//     field per numeric, boolean or string value in the payload)
//   - Connectivity transitions (measurement device_connectivity)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry stays in SQLite only
//	}
//	defer client.Close()
//
//	client.WriteTelemetry("AA11", payload, receivedAt)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are non-blocking and batched (batch_size, flush_interval);
// asynchronous write errors are delivered to the SetOnError callback.
package influxdb
