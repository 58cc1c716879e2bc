package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"k8s.io/utils/clock"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
)

const defaultConfirmTimeout = 5 * time.Second

// AppID stamps every message devicelink publishes. Consumers use it to
// recognise derived events that must not be fed back as device input.
const AppID = "devicelink"

// SelfPublished reports whether d was published by a devicelink instance.
func SelfPublished(d amqp.Delivery) bool {
	return d.AppId == AppID
}

// Publisher sends persistent messages in confirm mode on its own
// connection, independent of the consumer.
//
// The connection is opened lazily on the first Publish and dropped on any
// channel error, so the next Publish reconnects.
type Publisher struct {
	cfg            config.AMQPConfig
	topology       Topology
	dial           dialFunc
	clock          clock.PassiveClock
	confirmTimeout time.Duration

	mu     sync.Mutex
	conn   connection
	ch     channel
	closed bool

	logger Logger
}

// NewPublisher creates a confirm-mode publisher.
func NewPublisher(cfg config.AMQPConfig, logger Logger) *Publisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Publisher{
		cfg:            cfg,
		topology:       DefaultTopology(),
		dial:           dialAMQP,
		clock:          clock.RealClock{},
		confirmTimeout: defaultConfirmTimeout,
		logger:         logger,
	}
}

// Publish sends body to exchange with routing key and waits for the
// broker's confirmation.
//
// Parameters:
//   - ctx: Bounds the publish and the confirmation wait
//   - exchange: Target exchange (e.g., "device_management")
//   - key: Routing key (e.g., "status.AA11")
//   - body: JSON payload
//
// Returns:
//   - error: nil once confirmed; ErrNacked if the broker refused it
func (p *Publisher) Publish(ctx context.Context, exchange, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		AppId:        AppID,
		Timestamp:    p.clock.Now().UTC(),
		Body:         body,
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	confirm, err := ch.PublishConfirmed(waitCtx, exchange, key, msg)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("%w: awaiting confirm: %w", ErrPublishFailed, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s/%s", ErrNacked, exchange, key)
	}

	return nil
}

// channelLocked returns the open confirm-mode channel, dialling if needed.
func (p *Publisher) channelLocked() (channel, error) {
	if p.ch != nil && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := p.dial(p.cfg.URL, dialConfig(p.cfg, p.name()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: open channel: %w", ErrConnectionFailed, err)
	}
	if err := p.topology.Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: confirm mode: %w", ErrConnectionFailed, err)
	}

	p.conn = conn
	p.ch = ch
	p.logger.Info("AMQP publisher connected")
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *Publisher) name() string {
	tag := p.cfg.ConsumerTag
	if tag == "" {
		tag = "devicelink"
	}
	return tag + "-publisher"
}

// Close closes the publisher connection. Further publishes return ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.resetLocked()
	return nil
}
