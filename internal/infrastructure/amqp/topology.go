package amqp

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names.
const (
	// ExchangeMQTT is RabbitMQ's MQTT plugin exchange. MQTT topic
	// devices/AA11/data arrives here with routing key devices.AA11.data.
	ExchangeMQTT = "amq.topic"

	// ExchangeIoTData carries telemetry published directly over AMQP.
	ExchangeIoTData = "iot_data"

	// ExchangeDeviceManagement carries commands and status events.
	ExchangeDeviceManagement = "device_management"

	// ExchangeDeadLetter receives rejected and expired messages.
	ExchangeDeadLetter = "dlx"
)

// Queue names.
const (
	QueueSensorData     = "sensor_data"
	QueueDeviceCommands = "device_commands"
	QueueDeviceStatus   = "device_status"
	QueueFailedMessages = "failed_messages"
)

// Queue limits.
const (
	sensorDataTTL       = 3600000 // 1 hour, ms
	sensorDataMaxLength = 50000
	commandTTL          = 300000 // 5 minutes, ms
	commandMaxPriority  = 10
	statusTTL           = 60000 // 1 minute, ms
)

// Declarer is the subset of *amqp.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Exchange describes a durable exchange.
type Exchange struct {
	Name string
	Kind string
}

// Queue describes a durable queue and its arguments.
type Queue struct {
	Name string
	Args amqp.Table
}

// Binding routes messages from an exchange to a queue.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the full set of exchanges, queues and bindings devicelink
// relies on.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// DefaultTopology returns the broker layout for device traffic.
//
// Telemetry, commands and status each get a durable queue with a TTL and a
// dead-letter route to failed_messages. Commands carry priorities 0-10.
func DefaultTopology() Topology {
	return Topology{
		Exchanges: []Exchange{
			{Name: ExchangeMQTT, Kind: amqp.ExchangeTopic},
			{Name: ExchangeIoTData, Kind: amqp.ExchangeTopic},
			{Name: ExchangeDeviceManagement, Kind: amqp.ExchangeTopic},
			{Name: ExchangeDeadLetter, Kind: amqp.ExchangeTopic},
		},
		Queues: []Queue{
			{Name: QueueSensorData, Args: amqp.Table{
				"x-message-ttl":             int32(sensorDataTTL),
				"x-max-length":              int32(sensorDataMaxLength),
				"x-dead-letter-exchange":    ExchangeDeadLetter,
				"x-dead-letter-routing-key": QueueSensorData + ".failed",
			}},
			{Name: QueueDeviceCommands, Args: amqp.Table{
				"x-max-priority":         int32(commandMaxPriority),
				"x-message-ttl":          int32(commandTTL),
				"x-dead-letter-exchange": ExchangeDeadLetter,
			}},
			{Name: QueueDeviceStatus, Args: amqp.Table{
				"x-message-ttl":          int32(statusTTL),
				"x-dead-letter-exchange": ExchangeDeadLetter,
			}},
			{Name: QueueFailedMessages},
		},
		Bindings: []Binding{
			{Queue: QueueSensorData, Exchange: ExchangeMQTT, RoutingKey: "devices.*.data"},
			{Queue: QueueSensorData, Exchange: ExchangeIoTData, RoutingKey: "devices.*.data"},
			{Queue: QueueDeviceCommands, Exchange: ExchangeMQTT, RoutingKey: "devices.*.commands"},
			{Queue: QueueDeviceCommands, Exchange: ExchangeDeviceManagement, RoutingKey: "commands.*"},
			{Queue: QueueDeviceStatus, Exchange: ExchangeMQTT, RoutingKey: "devices.*.status"},
			{Queue: QueueDeviceStatus, Exchange: ExchangeDeviceManagement, RoutingKey: "status.*"},
			{Queue: QueueFailedMessages, Exchange: ExchangeDeadLetter, RoutingKey: "#"},
		},
	}
}

// Declare creates every exchange, queue and binding. It is idempotent and
// runs on every (re)connect.
//
// Broker-reserved amq.* exchanges are never declared, only bound to.
func (t Topology) Declare(d Declarer) error {
	for _, ex := range t.Exchanges {
		if isReserved(ex.Name) {
			continue
		}
		if err := d.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: exchange %s: %w", ErrTopology, ex.Name, err)
		}
	}

	for _, q := range t.Queues {
		if _, err := d.QueueDeclare(q.Name, true, false, false, false, q.Args); err != nil {
			return fmt.Errorf("%w: queue %s: %w", ErrTopology, q.Name, err)
		}
	}

	for _, b := range t.Bindings {
		if err := d.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("%w: bind %s <- %s (%s): %w", ErrTopology, b.Queue, b.Exchange, b.RoutingKey, err)
		}
	}

	return nil
}

func isReserved(exchange string) bool {
	return strings.HasPrefix(exchange, "amq.")
}

// =============================================================================
// Routing Keys
// =============================================================================

// RoutingKeyForTopic converts an MQTT topic to the routing key the MQTT
// plugin uses on amq.topic.
//
// Example: devices/AA11/data -> devices.AA11.data
func RoutingKeyForTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// StatusKey returns the device_management routing key for status events.
//
// Example: status.AA11
func StatusKey(deviceID string) string {
	return "status." + deviceID
}

// DataKey returns the device_management routing key for telemetry events.
//
// Example: data.AA11
func DataKey(deviceID string) string {
	return "data." + deviceID
}

// DeviceIDFromRoutingKey extracts the device id from a devices.{id}.{kind}
// routing key.
func DeviceIDFromRoutingKey(key string) (string, bool) {
	parts := strings.Split(key, ".")
	if len(parts) < 3 || parts[0] != "devices" || parts[1] == "" {
		return "", false
	}
	if parts[1] == "*" || parts[1] == "#" {
		return "", false
	}
	return parts[1], true
}
