package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes.
const (
	// TopicPrefixDevices is the base for all per-device channels.
	TopicPrefixDevices = "devices"

	// TopicPrefixService is the base for devicelink's own topics.
	TopicPrefixService = "devicelink"
)

// Topics provides builders for devicelink MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommands("AA11")
//	// Returns: "devices/AA11/commands"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceData returns the topic a device publishes telemetry on.
//
// Example: devices/AA11/data
func (Topics) DeviceData(deviceID string) string {
	return fmt.Sprintf("%s/%s/data", TopicPrefixDevices, deviceID)
}

// DeviceCommands returns the topic a device receives commands on.
//
// Example: devices/AA11/commands
func (Topics) DeviceCommands(deviceID string) string {
	return fmt.Sprintf("%s/%s/commands", TopicPrefixDevices, deviceID)
}

// DeviceLastCommand returns the retained mirror of a device's most recent
// command. A device that reconnects after missing a live publish reads it
// on subscribe.
//
// Example: devices/AA11/commands/last
func (Topics) DeviceLastCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/commands/last", TopicPrefixDevices, deviceID)
}

// DeviceStatus returns the topic a device reports explicit status on.
//
// Example: devices/AA11/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevices, deviceID)
}

// =============================================================================
// Wildcard Subscriptions
// =============================================================================

// AllDeviceData returns a subscription pattern for telemetry from every device.
func (Topics) AllDeviceData() string {
	return TopicPrefixDevices + "/+/data"
}

// AllDeviceStatus returns a subscription pattern for status from every device.
func (Topics) AllDeviceStatus() string {
	return TopicPrefixDevices + "/+/status"
}

// =============================================================================
// Service Topics
// =============================================================================

// ServiceStatus returns the retained presence topic of a devicelink connection.
// It carries the LWT.
//
// Example: devicelink/devicelink-publisher/status
func (Topics) ServiceStatus(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixService, clientID)
}

// Event returns the topic notifier events are published on.
//
// Example: devicelink/events/status_change/AA11
func (Topics) Event(eventType, deviceID string) string {
	return fmt.Sprintf("%s/events/%s/%s", TopicPrefixService, eventType, deviceID)
}

// =============================================================================
// Parsing
// =============================================================================

// DeviceIDFromTopic extracts the device id from a devices/{id}/... topic.
// It returns false for topics outside the device hierarchy.
func DeviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != TopicPrefixDevices || parts[1] == "" {
		return "", false
	}
	if strings.ContainsAny(parts[1], "+#") {
		return "", false
	}
	return parts[1], true
}
