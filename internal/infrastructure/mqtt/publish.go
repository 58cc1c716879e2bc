package mqtt

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Default maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const defaultMaxPayloadSize = 1 << 20

// Publish sends a message to the specified MQTT topic and waits for the
// broker's acknowledgement.
//
// The publisher role connects (with its bounded backoff) if the connection
// is down. The consumer role never blocks a publish on reconnection and
// returns ErrNotConnected instead.
//
// Parameters:
//   - ctx: Bounds the connect and acknowledgement wait
//   - topic: The topic to publish to (e.g., "devices/AA11/commands")
//   - payload: The message payload (typically JSON)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (PUBACK from broker, may duplicate)
//   - 2: Exactly once (guaranteed, no duplicates, higher overhead)
//
// Returns:
//   - error: nil once acknowledged, or wrapped error describing the failure
//
// Example:
//
//	topic := mqtt.Topics{}.DeviceCommands("AA11")
//	err := client.Publish(ctx, topic, []byte(`{"action":"REBOOT"}`), 1, false)
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > c.maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPayloadTooLarge, len(payload), c.maxPayloadSize)
	}
	if c.closed.Load() {
		return ErrClosed
	}

	if !c.IsConnected() {
		if c.role == RoleConsumer {
			return ErrNotConnected
		}
		if err := c.EnsureConnected(ctx); err != nil {
			return err
		}
	}

	token := c.client.Publish(topic, qos, retained, payload)
	return c.waitToken(ctx, token, ErrPublishFailed)
}

// PublishRetained publishes a retained message with the configured default QoS.
//
// Use for state where new subscribers should receive the latest value.
func (c *Client) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return c.Publish(ctx, topic, payload, byte(c.cfg.QoS), true)
}

// waitToken waits for a paho token to complete, bounded by the publish
// timeout and ctx. A token error is wrapped in failure.
func (c *Client) waitToken(ctx context.Context, token pahomqtt.Token, failure error) error {
	timer := c.clock.NewTimer(c.publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %w", failure, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-timer.C():
		return fmt.Errorf("%w: no acknowledgement after %v", ErrTimeout, c.publishTimeout)
	}
}

// SetPublishTimeout overrides how long Publish waits for acknowledgement.
func (c *Client) SetPublishTimeout(d time.Duration) {
	if d > 0 {
		c.publishTimeout = d
	}
}
