package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/amqp"
)

// AMQPPublisher is the subset of *amqp.Publisher used by the AMQP notifier.
type AMQPPublisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

// AMQP publishes events to the device_management exchange in confirm
// mode. Status changes use routing key status.{id} and sensor data uses
// data.{id}.
type AMQP struct {
	pub   AMQPPublisher
	types map[EventType]bool
}

// NewAMQP creates an AMQP notifier forwarding the given event types.
// With no types, only status changes are forwarded.
func NewAMQP(pub AMQPPublisher, types ...EventType) *AMQP {
	if len(types) == 0 {
		types = []EventType{EventStatusChange}
	}
	n := &AMQP{pub: pub, types: make(map[EventType]bool, len(types))}
	for _, t := range types {
		n.types[t] = true
	}
	return n
}

// Notify publishes e if its type is forwarded.
func (a *AMQP) Notify(ctx context.Context, e Event) error {
	if !a.types[e.Type] {
		return nil
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	key := amqp.DataKey(e.DeviceID)
	if e.Type == EventStatusChange {
		key = amqp.StatusKey(e.DeviceID)
	}
	if err := a.pub.Publish(ctx, amqp.ExchangeDeviceManagement, key, body); err != nil {
		return fmt.Errorf("publishing event %s: %w", key, err)
	}
	return nil
}
