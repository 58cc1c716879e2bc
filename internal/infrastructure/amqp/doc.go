// Package amqp manages devicelink's RabbitMQ topology and connections.
//
// This package provides:
//   - The Broker Topology Manager: durable exchanges, queues with TTL,
//     length and priority limits, dead-letter routing and bindings
//     (DefaultTopology, Topology.Declare)
//   - A consumer-role Client with heartbeats, prefetch and unbounded
//     backoff reconnects that redeclares topology on every connect
//   - Delivery settlement rules (Settle)
//   - A confirm-mode Publisher on an independent connection
//
// # Topology
//
// RabbitMQ's MQTT plugin maps topic devices/AA11/data to routing key
// devices.AA11.data on amq.topic, so MQTT and AMQP producers share queues:
//
//	amq.topic  devices.*.data      -> sensor_data
//	iot_data   devices.*.data      -> sensor_data
//	amq.topic  devices.*.commands  -> device_commands
//	device_management commands.*   -> device_commands
//	amq.topic  devices.*.status    -> device_status
//	device_management status.*     -> device_status
//	dlx        #                   -> failed_messages
//
// # Usage
//
//	client := amqp.NewClient(cfg.AMQP, amqp.WithLogger(log))
//	err := client.Run(ctx, []string{amqp.QueueSensorData}, handler)
package amqp
