package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
)

const defaultPrefetch = 10

// Logger interface for optional logging support.
// Compatible with logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DeliveryHandler processes one delivery. The returned error decides the
// disposition: nil acks, ErrMalformedMessage rejects without requeue, any
// other error requeues once.
type DeliveryHandler func(ctx context.Context, d amqp.Delivery) error

// Client is the consumer-role AMQP connection.
//
// Run keeps a connection open for the lifetime of its context: it dials
// with heartbeats, redeclares the topology, applies the prefetch limit and
// consumes the requested queues. When the broker closes the connection it
// reconnects with capped exponential backoff, without an attempt limit.
type Client struct {
	cfg      config.AMQPConfig
	topology Topology
	dial     dialFunc
	clock    clock.Clock
	backoff  wait.Backoff

	connected atomic.Bool
	logger    Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClock replaces the clock used for backoff waits.
func WithClock(c clock.Clock) ClientOption {
	return func(cl *Client) { cl.clock = c }
}

// WithTopology replaces the declared topology.
func WithTopology(t Topology) ClientOption {
	return func(cl *Client) { cl.topology = t }
}

// WithLogger sets the logger.
func WithLogger(l Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

func withDialer(d dialFunc) ClientOption {
	return func(cl *Client) { cl.dial = d }
}

// NewClient creates a consumer-role client. It does not connect until Run.
func NewClient(cfg config.AMQPConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:      cfg,
		topology: DefaultTopology(),
		dial:     dialAMQP,
		clock:    clock.RealClock{},
		backoff:  newBackoff(cfg),
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConnected reports whether a consuming session is currently open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// HealthCheck reports ErrNotConnected while no session is open.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("amqp health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Run consumes queues until ctx is cancelled, reconnecting as needed.
//
// Each queue is consumed by its own goroutine, one delivery at a time, so
// in-flight work is bounded by the prefetch count. On cancellation the
// current delivery finishes and is settled before the connection closes.
//
// Returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context, queues []string, handler DeliveryHandler) error {
	if len(queues) == 0 {
		return fmt.Errorf("%w: no queues to consume", ErrConnectionFailed)
	}

	backoff := c.backoff
	for {
		connected, err := c.session(ctx, queues, handler)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.backoff
		}

		delay := backoff.Step()
		c.logger.Warn("AMQP session ended, reconnecting",
			"error", err,
			"retry_in", delay,
		)

		timer := c.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}
	}
}

// session runs one connection from dial to close. connected reports
// whether consumption started.
func (c *Client) session(ctx context.Context, queues []string, handler DeliveryHandler) (connected bool, err error) {
	conn, err := c.dial(c.cfg.URL, dialConfig(c.cfg, c.consumerTag()))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("%w: open channel: %w", ErrConnectionFailed, err)
	}
	defer ch.Close()

	if err := c.topology.Declare(ch); err != nil {
		return false, err
	}
	if err := ch.Qos(c.prefetch(), 0, false); err != nil {
		return false, fmt.Errorf("%w: qos: %w", ErrConnectionFailed, err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	deliveries := make([]<-chan amqp.Delivery, 0, len(queues))
	for _, q := range queues {
		msgs, err := ch.Consume(q, c.consumerTag()+"-"+q, false, false, false, false, nil)
		if err != nil {
			return false, fmt.Errorf("%w: consume %s: %w", ErrConnectionFailed, q, err)
		}
		deliveries = append(deliveries, msgs)
	}

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("AMQP consumer connected",
		"queues", queues,
		"prefetch", c.prefetch(),
	)

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	var wg sync.WaitGroup
	for i, msgs := range deliveries {
		wg.Add(1)
		go func(queue string, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			c.consume(loopCtx, queue, msgs, handler)
		}(queues[i], msgs)
	}

	loopsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(loopsDone)
	}()

	select {
	case <-ctx.Done():
		stopLoops()
		<-loopsDone
		return true, nil
	case amqpErr, ok := <-closed:
		stopLoops()
		<-loopsDone
		if !ok || amqpErr == nil {
			return true, ErrConnectionLost
		}
		return true, fmt.Errorf("%w: %w", ErrConnectionLost, amqpErr)
	case <-loopsDone:
		// Every delivery channel closed: the channel was closed by the broker.
		return true, ErrConnectionLost
	}
}

// consume processes deliveries from one queue sequentially.
func (c *Client) consume(ctx context.Context, queue string, msgs <-chan amqp.Delivery, handler DeliveryHandler) {
	// In-flight deliveries finish even after shutdown starts.
	work := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.process(work, queue, d, handler)
		}
	}
}

// process runs the handler and settles the delivery.
func (c *Client) process(ctx context.Context, queue string, d amqp.Delivery, handler DeliveryHandler) {
	err := safeHandle(ctx, d, handler)
	if settleErr := Settle(d, err); settleErr != nil {
		c.logger.Error("AMQP settle failed",
			"queue", queue,
			"delivery_tag", d.DeliveryTag,
			"error", settleErr,
		)
	}

	if err != nil {
		c.logger.Warn("AMQP delivery rejected",
			"queue", queue,
			"routing_key", d.RoutingKey,
			"redelivered", d.Redelivered,
			"error", err,
		)
	}
}

func safeHandle(ctx context.Context, d amqp.Delivery, handler DeliveryHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, d)
}

// Settle acknowledges a delivery according to the handler result.
//
//   - nil: Ack
//   - ErrMalformedMessage: Nack without requeue (dead-lettered)
//   - other errors: Nack with requeue, unless already redelivered
func Settle(d amqp.Delivery, handlerErr error) error {
	switch {
	case handlerErr == nil:
		return d.Ack(false)
	case errors.Is(handlerErr, ErrMalformedMessage):
		return d.Nack(false, false)
	default:
		return d.Nack(false, !d.Redelivered)
	}
}

func (c *Client) prefetch() int {
	if c.cfg.Prefetch > 0 {
		return c.cfg.Prefetch
	}
	return defaultPrefetch
}

func (c *Client) consumerTag() string {
	if c.cfg.ConsumerTag != "" {
		return c.cfg.ConsumerTag
	}
	return "devicelink"
}
