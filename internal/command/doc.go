// Package command implements the Command Publisher for devicelink.
//
// Commands are a closed set of actions (Reboot, StatusRequest,
// FirmwareUpdate, ServoAngle) plus Generic for anything else. Each send
// wraps the action in an Envelope with a fresh UUIDv4 message_id, RFC 3339
// and epoch timestamps, a source and a priority, and publishes it:
//
//  1. QoS 1 to devices/{id}/commands, waiting for the broker PUBACK
//  2. retained to devices/{id}/commands/last, so a device that reconnects
//     after missing the live publish still receives its last instruction
//
// While a publish is in flight its message_id is held in the PendingAcks
// table. Failures are returned to the caller and kept in a bounded
// FailureLog for operators.
//
// Broadcast fans a command out to every connected device with a per-device
// timeout; one unreachable device never stops the rest.
//
// Usage:
//
//	pub := command.NewPublisher(mqttPublisher, registry, command.Config{})
//	res, err := pub.Send(ctx, "a4cf12f03c2a", command.Reboot{}, command.SendOptions{})
//	if errors.Is(err, command.ErrNotConnected) {
//	    // broker unreachable after bounded retries
//	}
package command
