package influxdb

import (
	"sort"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTelemetry    = "device_telemetry"
	MeasurementConnectivity = "device_connectivity"
)

// maxFieldDepth bounds flattening of nested telemetry objects.
const maxFieldDepth = 4

// WriteTelemetry records one telemetry message.
//
// Numeric, boolean and string values become fields; nested objects are
// flattened with "_" (e.g. {"dht":{"temp":21}} -> dht_temp). Arrays and
// identifier keys are skipped. Messages with no usable field are dropped.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Device identifier, stored as the device_id tag
//   - payload: Decoded JSON telemetry object
//   - at: Time the message was received
//
// Example:
//
//	client.WriteTelemetry("AA11", map[string]any{"temperature": 21.5, "flame": false}, now)
func (c *Client) WriteTelemetry(deviceID string, payload map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := FlattenFields(payload)
	if len(fields) == 0 {
		return
	}

	c.writePoint(write.NewPoint(
		MeasurementTelemetry,
		map[string]string{"device_id": deviceID},
		fields,
		at,
	))
}

// WriteStatusChange records a connectivity transition.
//
// Parameters:
//   - deviceID: Device identifier
//   - state: New state ("online" or "offline")
//   - transition: e.g. "online_to_offline"
//   - offlineSeconds: Silence before an offline transition, 0 otherwise
//   - at: Transition time
func (c *Client) WriteStatusChange(deviceID, state, transition string, offlineSeconds float64, at time.Time) {
	if !c.IsConnected() {
		return
	}

	online := 0
	if state == "online" {
		online = 1
	}
	fields := map[string]interface{}{
		"online":     online,
		"transition": transition,
	}
	if offlineSeconds > 0 {
		fields["offline_duration_seconds"] = offlineSeconds
	}

	c.writePoint(write.NewPoint(
		MeasurementConnectivity,
		map[string]string{"device_id": deviceID, "state": state},
		fields,
		at,
	))
}

func (c *Client) writePoint(p *write.Point) {
	c.writeAPI.WritePoint(p)
	c.written.Add(1)
}

// PointsWritten returns how many points have been handed to the write API.
func (c *Client) PointsWritten() int64 {
	return c.written.Load()
}

// skippedKeys are identifiers carried as tags rather than fields.
var skippedKeys = map[string]bool{
	"device_id": true,
	"node_id":   true,
	"timestamp": true,
}

// FlattenFields converts a decoded JSON object to InfluxDB fields.
func FlattenFields(payload map[string]any) map[string]interface{} {
	fields := make(map[string]interface{})
	flatten(fields, "", payload, 0)
	return fields
}

func flatten(out map[string]interface{}, prefix string, obj map[string]any, depth int) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if depth == 0 && skippedKeys[k] {
			continue
		}
		name := k
		if prefix != "" {
			name = prefix + "_" + k
		}
		name = strings.ReplaceAll(name, " ", "_")

		switch v := obj[k].(type) {
		case float64, int, int64, bool:
			out[name] = v
		case string:
			if v != "" {
				out[name] = v
			}
		case map[string]any:
			if depth+1 < maxFieldDepth {
				flatten(out, name, v, depth+1)
			}
		}
	}
}
