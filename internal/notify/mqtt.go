package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/mqtt"
)

// MQTTPublisher is the subset of *mqtt.Client used by the MQTT notifier.
type MQTTPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

// MQTT publishes events as JSON to devicelink/events/{type}/{device_id}.
//
// Wire it to the consumer-role connection: that role returns
// mqtt.ErrNotConnected instead of waiting out a reconnect, so a broker
// outage never stalls ingestion behind notifications.
type MQTT struct {
	pub    MQTTPublisher
	qos    byte
	topics mqtt.Topics
}

// NewMQTT creates an MQTT notifier publishing at qos.
func NewMQTT(pub MQTTPublisher, qos byte) *MQTT {
	return &MQTT{pub: pub, qos: qos}
}

// Notify publishes e.
func (m *MQTT) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	topic := m.topics.Event(string(e.Type), e.DeviceID)
	if err := m.pub.Publish(ctx, topic, body, m.qos, false); err != nil {
		return fmt.Errorf("publishing event to %s: %w", topic, err)
	}
	return nil
}
