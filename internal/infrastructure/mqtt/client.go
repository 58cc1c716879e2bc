package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/config"
)

// Client owns one MQTT broker connection in either the publisher or the
// consumer role.
//
// It provides connection management with capped exponential backoff,
// persistent sessions, acknowledged publishing and subscription handling.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Connection attempts are serialised; concurrent callers never open a
//     second connection.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	cfg      config.MQTTConfig
	role     Role
	clientID string
	options  *pahomqtt.ClientOptions
	clock    clock.Clock
	backoff  wait.Backoff

	// newClient builds the underlying paho client. Replaced in tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	client    pahomqtt.Client

	connectTimeout time.Duration
	publishTimeout time.Duration
	maxPayloadSize int

	// connectSlot serialises connection attempts. It is a 1-buffered
	// channel so waiting callers can give up when their ctx ends.
	connectSlot chan struct{}

	// inflight is the last paho connect token. A caller that gave up on it
	// leaves it running and the next attempt waits on it again.
	inflight pahomqtt.Token
	tokenMu  sync.Mutex

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// Session state.
	connected         bool
	reconnectAttempts int
	lastConnectTime   time.Time
	connMu            sync.RWMutex

	// Lifecycle.
	ctx          context.Context
	cancel       context.CancelFunc
	closed       atomic.Bool
	reconnecting atomic.Bool
	lifeMu       sync.Mutex
	wg           sync.WaitGroup

	// Callbacks for connection events (optional, set via SetOnConnect/SetOnDisconnect).
	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

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

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// They should not block for extended periods.
//
// Parameters:
//   - topic: The topic the message was received on (wildcards expanded)
//   - payload: The raw message payload (typically JSON)
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// Session is a snapshot of the connection's session state.
type Session struct {
	ClientID          string
	Role              Role
	Connected         bool
	ReconnectAttempts int
	LastConnectTime   time.Time
	Subscriptions     []string
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the clock used for backoff waits and timeouts.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithMaxPayloadSize overrides the publish size limit in bytes.
func WithMaxPayloadSize(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.maxPayloadSize = n
		}
	}
}

// withClientFactory replaces the paho client constructor.
func withClientFactory(f func(*pahomqtt.ClientOptions) pahomqtt.Client) Option {
	return func(cl *Client) { cl.newClient = f }
}

// New creates a Client for the given role without connecting.
//
// Call Connect (or EnsureConnected) to establish the connection. The
// publisher role also connects lazily on the first Publish.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//   - role: RolePublisher or RoleConsumer
//   - opts: Optional overrides (clock, payload limit)
//
// Returns:
//   - *Client: Client ready to connect
func New(cfg config.MQTTConfig, role Role, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	clientID := clientIDFor(cfg, role)

	c := &Client{
		cfg:            cfg,
		role:           role,
		clientID:       clientID,
		clock:          clock.RealClock{},
		backoff:        newBackoff(cfg.Reconnect),
		newClient:      pahomqtt.NewClient,
		connectTimeout: connectTimeout(cfg),
		publishTimeout: defaultPublishTimeout,
		maxPayloadSize: defaultMaxPayloadSize,
		subscriptions:  make(map[string]subscription),
		connectSlot:    make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		logger:         noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.options = buildClientOptions(cfg, clientID)
	configureLWT(c.options, clientID)

	c.options.SetOnConnectHandler(c.handleConnect)
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})

	c.client = c.newClient(c.options)
	return c
}

// Connect establishes the connection, retrying with backoff according to
// the client's role. It is equivalent to EnsureConnected.
func (c *Client) Connect(ctx context.Context) error {
	return c.EnsureConnected(ctx)
}

// EnsureConnected returns immediately if the connection is up, otherwise
// it connects with capped exponential backoff.
//
// The publisher role gives up after reconnect.max_attempts attempts and
// returns ErrRetriesExhausted. The consumer role retries until ctx is
// cancelled or the client is closed.
//
// A caller arriving while another goroutine is connecting waits for that
// attempt and reuses its result. Every wait, including the wait for the
// connect slot, ends with ErrTimeout as soon as ctx is done.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.IsConnected() {
		return nil
	}

	select {
	case c.connectSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for connect: %w", ErrTimeout, ctx.Err())
	case <-c.ctx.Done():
		return ErrClosed
	}
	defer func() { <-c.connectSlot }()

	if c.IsConnected() {
		return nil
	}
	return c.connectWithBackoff(ctx)
}

// connectWithBackoff runs connection attempts until one succeeds or the
// role's retry policy gives up. Must be called holding connectSlot.
func (c *Client) connectWithBackoff(ctx context.Context) error {
	backoff := c.backoff
	attempt := 0

	for {
		if c.closed.Load() {
			return ErrClosed
		}
		attempt++

		err := c.connectOnce(ctx)
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) {
			return err
		}
		if err == nil {
			c.getLogger().Info("MQTT connected",
				"client_id", c.clientID,
				"role", c.role.String(),
				"attempts", attempt,
			)
			return nil
		}

		c.connMu.Lock()
		c.reconnectAttempts = attempt
		c.connMu.Unlock()

		if c.role == RolePublisher && attempt >= c.maxAttempts() {
			c.getLogger().Error("MQTT connection retries exhausted",
				"client_id", c.clientID,
				"attempts", attempt,
				"error", err,
			)
			return fmt.Errorf("%w: %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		delay := backoff.Step()
		c.getLogger().Warn("MQTT connection attempt failed, retrying",
			"client_id", c.clientID,
			"role", c.role.String(),
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// sleep waits for d on the client's clock, returning early on
// cancellation or Close.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// connectOnce performs a single connection attempt bounded by the connect
// timeout and ctx. The timeout runs on the wall clock, like paho's own
// network timeouts; only backoff delays use the client's clock.
func (c *Client) connectOnce(ctx context.Context) error {
	token := c.connectToken()

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: connecting: %w", ErrTimeout, ctx.Err())
	case <-c.ctx.Done():
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, c.connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have executed
	// yet, so session state is set here as well.
	c.markConnected()
	return nil
}

// connectToken returns the in-flight connect token, or starts a new
// attempt when the previous one has finished.
func (c *Client) connectToken() pahomqtt.Token {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.inflight != nil {
		select {
		case <-c.inflight.Done():
		default:
			return c.inflight
		}
	}
	c.inflight = c.client.Connect()
	return c.inflight
}

func (c *Client) markConnected() {
	c.connMu.Lock()
	c.connected = true
	c.reconnectAttempts = 0
	c.lastConnectTime = c.clock.Now()
	c.connMu.Unlock()
}

func (c *Client) maxAttempts() int {
	if c.cfg.Reconnect.MaxAttempts > 0 {
		return c.cfg.Reconnect.MaxAttempts
	}
	return 1
}

// handleConnect is called by paho when the connection is established.
func (c *Client) handleConnect(client pahomqtt.Client) {
	c.markConnected()

	c.restoreSubscriptions(client)
	c.publishPresence(client, buildOnlinePayload(c.clientID, c.clock.Now()))

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleConnectionLost is called by paho when the connection drops
// without a client-initiated disconnect.
func (c *Client) handleConnectionLost(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.getLogger().Warn("MQTT connection lost",
		"client_id", c.clientID,
		"role", c.role.String(),
		"error", err,
	)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}

	// Publishers reconnect on the next publish.
	if c.role == RoleConsumer {
		c.startReconnectLoop()
	}
}

// startReconnectLoop reconnects in the background until it succeeds or
// the client is closed. At most one loop runs at a time.
func (c *Client) startReconnectLoop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.closed.Load() || !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)

		if err := c.EnsureConnected(c.ctx); err != nil && !c.closed.Load() {
			c.getLogger().Error("MQTT reconnect loop stopped",
				"client_id", c.clientID,
				"error", err,
			)
		}
	}()
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
// With a persistent session the broker usually still holds them; subscribing
// again is idempotent.
func (c *Client) restoreSubscriptions(client pahomqtt.Client) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		token := client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		if !token.WaitTimeout(c.publishTimeout) || token.Error() != nil {
			c.getLogger().Warn("MQTT resubscribe failed",
				"topic", sub.topic,
				"error", token.Error(),
			)
		}
	}
}

// publishPresence publishes this connection's retained presence status.
func (c *Client) publishPresence(client pahomqtt.Client, payload string) {
	token := client.Publish(Topics{}.ServiceStatus(c.clientID), 1, true, payload)
	token.WaitTimeout(c.publishTimeout)
}

// Close gracefully disconnects from the MQTT broker.
//
// It performs:
//  1. Marks the client closed and stops any reconnect loop
//  2. Publishes graceful offline status (different from LWT crash status)
//  3. Disconnects from broker with a quiesce period for pending operations
//  4. Invokes the disconnect callback with a nil error
//
// Returns:
//   - error: Always nil; closing an unconnected client is not an error
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.lifeMu.Lock()
	alreadyClosed := c.closed.Swap(true)
	c.lifeMu.Unlock()
	if alreadyClosed {
		return nil
	}

	c.cancel()
	c.wg.Wait()

	if c.IsConnected() {
		c.publishPresence(c.client, buildOfflinePayload(c.clientID, c.clock.Now()))
		c.client.Disconnect(defaultDisconnectQuiesce)
	}

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(nil)
	}

	return nil
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Session returns a snapshot of the session state.
func (c *Client) Session() Session {
	connected := c.IsConnected()
	subs := c.Subscriptions()

	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return Session{
		ClientID:          c.clientID,
		Role:              c.role,
		Connected:         connected,
		ReconnectAttempts: c.reconnectAttempts,
		LastConnectTime:   c.lastConnectTime,
		Subscriptions:     subs,
	}
}

// ClientID returns the MQTT client identifier of this connection.
func (c *Client) ClientID() string {
	return c.clientID
}

// SetOnConnect sets a callback to be invoked when connection is established.
// This is called on initial connect and on every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when the connection ends.
// The error is nil for a clean Close and describes the cause otherwise.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for connection events and handler errors.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.getLogger().Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.getLogger().Warn("MQTT handler returned error",
				"topic", msg.Topic(),
				"error", err,
			)
		}
	}
}
