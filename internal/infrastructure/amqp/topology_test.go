package amqp

import (
	"errors"
	"testing"
)

var errBroker = errors.New("broker refused")

func TestDeclare_DefaultTopology(t *testing.T) {
	d := newFakeDeclarer()

	if err := DefaultTopology().Declare(d); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	for _, name := range d.exchanges {
		if name == ExchangeMQTT {
			t.Errorf("Declare() declared reserved exchange %q", name)
		}
	}
	if len(d.exchanges) != 3 {
		t.Errorf("declared %d exchanges, want 3: %v", len(d.exchanges), d.exchanges)
	}
	if len(d.queues) != 4 {
		t.Errorf("declared %d queues, want 4", len(d.queues))
	}
	if len(d.bindings) != 7 {
		t.Errorf("declared %d bindings, want 7", len(d.bindings))
	}
}

func TestDefaultTopology_QueueArguments(t *testing.T) {
	d := newFakeDeclarer()
	if err := DefaultTopology().Declare(d); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	tests := []struct {
		queue string
		arg   string
		want  any
	}{
		{QueueSensorData, "x-message-ttl", int32(3600000)},
		{QueueSensorData, "x-max-length", int32(50000)},
		{QueueSensorData, "x-dead-letter-exchange", "dlx"},
		{QueueSensorData, "x-dead-letter-routing-key", "sensor_data.failed"},
		{QueueDeviceCommands, "x-max-priority", int32(10)},
		{QueueDeviceCommands, "x-message-ttl", int32(300000)},
		{QueueDeviceStatus, "x-message-ttl", int32(60000)},
		{QueueDeviceStatus, "x-dead-letter-exchange", "dlx"},
	}

	for _, tt := range tests {
		t.Run(tt.queue+"/"+tt.arg, func(t *testing.T) {
			args := d.queues[tt.queue]
			if got := args[tt.arg]; got != tt.want {
				t.Errorf("%s[%s] = %v (%T), want %v", tt.queue, tt.arg, got, got, tt.want)
			}
		})
	}
}

func TestDefaultTopology_Bindings(t *testing.T) {
	d := newFakeDeclarer()
	if err := DefaultTopology().Declare(d); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	want := []Binding{
		{Queue: QueueSensorData, Exchange: "amq.topic", RoutingKey: "devices.*.data"},
		{Queue: QueueDeviceCommands, Exchange: "device_management", RoutingKey: "commands.*"},
		{Queue: QueueDeviceStatus, Exchange: "amq.topic", RoutingKey: "devices.*.status"},
		{Queue: QueueFailedMessages, Exchange: "dlx", RoutingKey: "#"},
	}
	for _, w := range want {
		found := false
		for _, b := range d.bindings {
			if b == w {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("binding %+v not declared", w)
		}
	}
}

func TestDeclare_PropagatesErrors(t *testing.T) {
	d := newFakeDeclarer()
	d.failOn = QueueDeviceCommands

	err := DefaultTopology().Declare(d)
	if !errors.Is(err, ErrTopology) {
		t.Fatalf("Declare() error = %v, want ErrTopology", err)
	}
	if !errors.Is(err, errBroker) {
		t.Errorf("Declare() error = %v, want cause preserved", err)
	}
}

func TestRoutingKeys(t *testing.T) {
	if got := RoutingKeyForTopic("devices/AA11/data"); got != "devices.AA11.data" {
		t.Errorf("RoutingKeyForTopic() = %q", got)
	}
	if got := StatusKey("AA11"); got != "status.AA11" {
		t.Errorf("StatusKey() = %q", got)
	}
	if got := DataKey("AA11"); got != "data.AA11" {
		t.Errorf("DataKey() = %q", got)
	}
}

func TestDeviceIDFromRoutingKey(t *testing.T) {
	tests := []struct {
		key    string
		wantID string
		wantOK bool
	}{
		{"devices.AA11.data", "AA11", true},
		{"devices.BB22.status", "BB22", true},
		{"devices.*.data", "", false},
		{"status.AA11", "", false},
		{"devices..data", "", false},
		{"sensor_data", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			id, ok := DeviceIDFromRoutingKey(tt.key)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("DeviceIDFromRoutingKey(%q) = (%q, %v), want (%q, %v)", tt.key, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
