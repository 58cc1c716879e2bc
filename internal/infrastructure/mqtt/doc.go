// Package mqtt provides the broker Connection Manager for devicelink.
//
// This package manages:
//   - One broker connection per role (publisher or consumer)
//   - Capped exponential backoff reconnects (bounded for publishers,
//     unbounded for consumers)
//   - Persistent sessions (fixed client ID, CleanSession=false)
//   - Acknowledged publishing with time-bounded waits
//   - Topic subscriptions restored on every reconnect
//   - Last Will and Testament (LWT) presence per connection
//
// # Architecture
//
// Devices publish telemetry and status to devices/{id}/... and receive
// commands on devices/{id}/commands. devicelink keeps two independent
// connections so a failure on the command path never stalls ingestion:
//
//	Command Publisher → [publisher conn] → Broker → Devices
//	Devices → Broker → [consumer conn] → Ingest → Liveness
//
// # Retry Policy
//
// Delays start at reconnect.initial_delay and double up to
// reconnect.max_delay. The publisher role stops after
// reconnect.max_attempts and returns ErrRetriesExhausted. The consumer
// role keeps retrying until its context is cancelled or Close is called.
// All waits run on an injectable clock so tests can fast-forward time.
//
// # Usage
//
//	pub := mqtt.New(cfg.MQTT, mqtt.RolePublisher)
//	defer pub.Close()
//
//	topic := mqtt.Topics{}.DeviceCommands("AA11")
//	err := pub.Publish(ctx, topic, []byte(`{"action":"REBOOT"}`), 1, false)
//
//	sub := mqtt.New(cfg.MQTT, mqtt.RoleConsumer)
//	if err := sub.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	err = sub.Subscribe(ctx, mqtt.Topics{}.AllDeviceData(), 1, handler)
package mqtt
