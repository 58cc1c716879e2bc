package amqp

import (
	"context"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
)

const (
	defaultHeartbeat    = 60 * time.Second
	defaultInitialDelay = 2 * time.Second
	defaultMaxDelay     = 60 * time.Second
	defaultLocale       = "en_US"
)

// connection is the subset of *amqp.Connection devicelink uses.
type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// channel is the subset of *amqp.Channel devicelink uses.
type channel interface {
	Declarer
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

// confirmation is satisfied by *amqp.DeferredConfirmation.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type dialFunc func(url string, cfg amqp.Config) (connection, error)

// dialAMQP opens a real broker connection.
func dialAMQP(url string, cfg amqp.Config) (connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

// dialConfig builds the connection settings, naming the connection so it
// is identifiable in the management UI.
func dialConfig(cfg config.AMQPConfig, name string) amqp.Config {
	heartbeat := defaultHeartbeat
	if cfg.Heartbeat > 0 {
		heartbeat = time.Duration(cfg.Heartbeat) * time.Second
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)

	return amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     defaultLocale,
		Properties: props,
	}
}

// newBackoff returns the unbounded reconnect schedule.
func newBackoff(cfg config.AMQPConfig) wait.Backoff {
	initial := defaultInitialDelay
	if cfg.InitialDelay > 0 {
		initial = time.Duration(cfg.InitialDelay) * time.Second
	}
	maxDelay := defaultMaxDelay
	if cfg.MaxDelay > 0 {
		maxDelay = time.Duration(cfg.MaxDelay) * time.Second
	}
	return wait.Backoff{
		Duration: initial,
		Factor:   2,
		Steps:    math.MaxInt32,
		Cap:      maxDelay,
	}
}
