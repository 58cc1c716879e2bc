package mqtt

import "testing"

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DeviceData", topics.DeviceData("AA11"), "devices/AA11/data"},
		{"DeviceCommands", topics.DeviceCommands("AA11"), "devices/AA11/commands"},
		{"DeviceLastCommand", topics.DeviceLastCommand("AA11"), "devices/AA11/commands/last"},
		{"DeviceStatus", topics.DeviceStatus("AA11"), "devices/AA11/status"},
		{"AllDeviceData", topics.AllDeviceData(), "devices/+/data"},
		{"AllDeviceStatus", topics.AllDeviceStatus(), "devices/+/status"},
		{"ServiceStatus", topics.ServiceStatus("devicelink-consumer"), "devicelink/devicelink-consumer/status"},
		{"Event", topics.Event("status_change", "AA11"), "devicelink/events/status_change/AA11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"devices/AA11/data", "AA11", true},
		{"devices/ESP32-0F3C2A/status", "ESP32-0F3C2A", true},
		{"devices/AA11/commands/last", "AA11", true},
		{"devices//data", "", false},
		{"devices/+/data", "", false},
		{"devices/AA11", "", false},
		{"sensors/AA11/data", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := DeviceIDFromTopic(tt.topic)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("DeviceIDFromTopic(%q) = (%q, %v), want (%q, %v)", tt.topic, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
