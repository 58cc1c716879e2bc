package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/amqp"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/mqtt"
)

// handlerTimeout bounds processing of one MQTT message.
const handlerTimeout = 10 * time.Second

// Queues consumed in AMQP mode.
var Queues = []string{amqp.QueueSensorData, amqp.QueueDeviceStatus}

// idKeys are the header and body fields that may carry the device id,
// in lookup order.
var idKeys = []string{"node_id", "device_id"}

// Subscriber is the subset of *mqtt.Client used in MQTT mode.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
}

// SubscribeMQTT consumes devices/+/data and devices/+/status. Use the
// consumer-role client so subscriptions are restored on every reconnect.
func (p *Pipeline) SubscribeMQTT(ctx context.Context, sub Subscriber, qos byte) error {
	topics := mqtt.Topics{}
	if err := sub.Subscribe(ctx, topics.AllDeviceData(), qos, p.handleMQTTData); err != nil {
		return fmt.Errorf("subscribing to telemetry: %w", err)
	}
	if err := sub.Subscribe(ctx, topics.AllDeviceStatus(), qos, p.handleMQTTStatus); err != nil {
		return fmt.Errorf("subscribing to status: %w", err)
	}
	return nil
}

func (p *Pipeline) handleMQTTData(topic string, payload []byte) error {
	id, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok {
		err := fmt.Errorf("%w: no device id in topic %q", ErrMalformed, topic)
		p.countError(err)
		return err
	}

	t, err := ParseTelemetry(id, payload, p.clock.Now())
	if err != nil {
		p.countError(err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	return p.HandleTelemetry(ctx, t)
}

func (p *Pipeline) handleMQTTStatus(topic string, payload []byte) error {
	id, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok {
		err := fmt.Errorf("%w: no device id in topic %q", ErrMalformed, topic)
		p.countError(err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	return p.HandleStatus(ctx, id, payload)
}

// HandleDelivery processes one AMQP delivery from sensor_data or
// device_status. It satisfies amqp.DeliveryHandler; the returned error
// decides ack, reject or requeue.
//
// Messages devicelink itself published (status_change events on
// device_management) are acknowledged and dropped: they describe
// transitions already applied, and replaying them out of order would
// override fresher liveness state.
func (p *Pipeline) HandleDelivery(ctx context.Context, d amqp091.Delivery) error {
	if amqp.SelfPublished(d) {
		p.echoes.Add(1)
		return nil
	}

	id, err := deliveryDeviceID(d)
	if err != nil {
		p.countError(err)
		return err
	}

	if isStatusKey(d.RoutingKey) {
		return p.HandleStatus(ctx, id, d.Body)
	}

	t, err := ParseTelemetry(id, d.Body, p.clock.Now())
	if err != nil {
		p.countError(err)
		return err
	}
	return p.HandleTelemetry(ctx, t)
}

// isStatusKey reports whether key routes a status message:
// devices.{id}.status or status.{id}.
func isStatusKey(key string) bool {
	return strings.HasSuffix(key, ".status") || strings.HasPrefix(key, "status.")
}

// deliveryDeviceID finds the device id in the routing key, then the
// node_id/device_id headers, then the node_id/device_id body fields.
func deliveryDeviceID(d amqp091.Delivery) (string, error) {
	if id, ok := amqp.DeviceIDFromRoutingKey(d.RoutingKey); ok {
		return id, nil
	}
	for _, prefix := range []string{"status.", "data."} {
		if id, ok := strings.CutPrefix(d.RoutingKey, prefix); ok && id != "" && !strings.Contains(id, ".") {
			return id, nil
		}
	}

	for _, k := range idKeys {
		if v, ok := d.Headers[k].(string); ok && v != "" {
			return v, nil
		}
	}

	var body map[string]any
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return "", fmt.Errorf("%w: body is not a JSON object: %w", ErrMalformed, err)
	}
	for _, k := range idKeys {
		if v, ok := body[k].(string); ok && v != "" {
			return v, nil
		}
	}

	return "", fmt.Errorf("%w: no device id in routing key %q, headers or body", ErrMalformed, d.RoutingKey)
}
