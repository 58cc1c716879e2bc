package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/rnrsolutions/devicelink/internal/device"
	"github.com/rnrsolutions/devicelink/internal/infrastructure/mqtt"
)

// Delivery defaults.
const (
	// CommandQoS is at-least-once: the broker PUBACK confirms receipt.
	CommandQoS byte = 1

	DefaultSource   = "backend_api"
	DefaultPriority = 5
	maxPriority     = 10

	defaultBroadcastTimeout = 5 * time.Second
	defaultBroadcastWorkers = 8
	defaultMaxPayloadBytes  = 64 * 1024
	defaultFailureLogSize   = 100
)

// Transport publishes a payload and returns once the broker acknowledged it.
// *mqtt.Client with the publisher role satisfies this.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

// ConnectedSet lists the devices a broadcast goes to.
type ConnectedSet interface {
	ConnectedIDs() []string
}

// Logger defines the logging interface used by the Publisher.
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

// Config holds publisher settings. Zero values take the defaults.
type Config struct {
	Source           string
	DefaultPriority  int
	MaxPayloadBytes  int
	FailureLogSize   int
	BroadcastTimeout time.Duration
	BroadcastWorkers int
	WelcomeMessage   string
}

// SendOptions override envelope metadata for one command.
type SendOptions struct {
	Source   string
	Priority *int
}

// Result describes a delivered command.
type Result struct {
	MessageID string   `json:"message_id"`
	DeviceID  string   `json:"device_id"`
	Topic     string   `json:"topic"`
	Mirrored  bool     `json:"mirrored"`
	Envelope  Envelope `json:"-"`
}

// BroadcastResult aggregates a broadcast. Failed lists device ids, sorted.
type BroadcastResult struct {
	Success int      `json:"success_count"`
	Total   int      `json:"total"`
	Failed  []string `json:"failed,omitempty"`
}

// Stats are the publisher's delivery counters.
type Stats struct {
	Attempts       int64   `json:"attempts"`
	Successes      int64   `json:"successes"`
	Failures       int64   `json:"failures"`
	MirrorFailures int64   `json:"mirror_failures"`
	SuccessRate    float64 `json:"success_rate"`
	Pending        int     `json:"pending_acks"`
}

// Publisher builds command envelopes and delivers them with broker
// acknowledgement, mirroring each delivered command to the device's
// retained last-command topic.
type Publisher struct {
	transport Transport
	devices   ConnectedSet
	cfg       Config
	clock     clock.PassiveClock
	topics    mqtt.Topics

	pending  *PendingAcks
	failures *FailureLog

	attempts       atomic.Int64
	successes      atomic.Int64
	failed         atomic.Int64
	mirrorFailures atomic.Int64

	welcomes     sync.WaitGroup
	welcomeSlots chan struct{}

	logger Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock sets the clock used for envelope timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(p *Publisher) { p.clock = c }
}

// WithLogger sets the publisher's logger.
func WithLogger(l Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher creates a command publisher over transport. devices may be
// nil if Broadcast is not used.
func NewPublisher(transport Transport, devices ConnectedSet, cfg Config, opts ...Option) *Publisher {
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = DefaultPriority
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if cfg.FailureLogSize <= 0 {
		cfg.FailureLogSize = defaultFailureLogSize
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = defaultBroadcastTimeout
	}
	if cfg.BroadcastWorkers <= 0 {
		cfg.BroadcastWorkers = defaultBroadcastWorkers
	}

	p := &Publisher{
		transport: transport,
		devices:   devices,
		cfg:       cfg,
		clock:     clock.RealClock{},
		pending:   NewPendingAcks(),
		failures:  NewFailureLog(cfg.FailureLogSize),
		logger:    noopLogger{},

		welcomeSlots: make(chan struct{}, cfg.BroadcastWorkers),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewEnvelope wraps action with a fresh message id and the current time.
func (p *Publisher) NewEnvelope(action Action, opts SendOptions) (Envelope, error) {
	if action == nil {
		return Envelope{}, fmt.Errorf("%w: action is required", ErrInvalidAction)
	}
	if err := action.validate(); err != nil {
		return Envelope{}, err
	}

	priority := p.cfg.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if priority < 0 || priority > maxPriority {
		return Envelope{}, fmt.Errorf("%w: got %d", ErrInvalidPriority, priority)
	}
	source := opts.Source
	if source == "" {
		source = p.cfg.Source
	}

	now := p.clock.Now().UTC()
	return Envelope{
		MessageID:    uuid.NewString(),
		Action:       action,
		IssuedAt:     now,
		CmdTimestamp: now.Unix(),
		Source:       source,
		Priority:     priority,
	}, nil
}

// Send delivers one command to deviceID.
//
// The envelope is published at QoS 1 to devices/{id}/commands and Send
// returns once the broker has acknowledged it; the same bytes are then
// published retained to devices/{id}/commands/last. A mirror failure is
// logged and counted but does not fail the send.
//
// Every failure is recorded in the diagnostic log and returned wrapping one
// of ErrInvalidDevice, ErrInvalidAction, ErrInvalidPriority,
// ErrPayloadTooLarge, ErrNotConnected, ErrPublishRejected or ErrTimeout.
func (p *Publisher) Send(ctx context.Context, deviceID string, action Action, opts SendOptions) (*Result, error) {
	p.attempts.Add(1)

	actionName := ""
	if action != nil {
		actionName = action.Name()
	}

	if err := device.ValidateID(deviceID); err != nil {
		return nil, p.fail(deviceID, "", actionName, ReasonInvalid, fmt.Errorf("%w: %w", ErrInvalidDevice, err))
	}

	env, err := p.NewEnvelope(action, opts)
	if err != nil {
		return nil, p.fail(deviceID, "", actionName, ReasonInvalid, err)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, p.fail(deviceID, env.MessageID, actionName, ReasonInvalid, fmt.Errorf("%w: %w", ErrInvalidAction, err))
	}
	if len(payload) > p.cfg.MaxPayloadBytes {
		err := fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(payload), p.cfg.MaxPayloadBytes)
		return nil, p.fail(deviceID, env.MessageID, actionName, ReasonTooLarge, err)
	}

	topic := p.topics.DeviceCommands(deviceID)
	p.pending.Add(PendingAck{
		MessageID: env.MessageID,
		DeviceID:  deviceID,
		Action:    actionName,
		Topic:     topic,
		QueuedAt:  env.IssuedAt,
	})

	err = p.transport.Publish(ctx, topic, payload, CommandQoS, false)
	p.pending.Remove(env.MessageID)
	if err != nil {
		reason, wrapped := classify(err)
		return nil, p.fail(deviceID, env.MessageID, actionName, reason, wrapped)
	}

	result := &Result{
		MessageID: env.MessageID,
		DeviceID:  deviceID,
		Topic:     topic,
		Envelope:  env,
	}

	if err := p.transport.Publish(ctx, p.topics.DeviceLastCommand(deviceID), payload, CommandQoS, true); err != nil {
		p.mirrorFailures.Add(1)
		p.logger.Warn("last-command mirror failed",
			"device_id", deviceID, "message_id", env.MessageID, "error", err)
	} else {
		result.Mirrored = true
	}

	p.successes.Add(1)
	p.logger.Info("command delivered",
		"device_id", deviceID, "action", actionName, "message_id", env.MessageID)
	return result, nil
}

// fail records a delivery failure and returns err.
func (p *Publisher) fail(deviceID, messageID, action, reason string, err error) error {
	p.failed.Add(1)
	p.failures.Add(Failure{
		DeviceID:  deviceID,
		MessageID: messageID,
		Action:    action,
		Reason:    reason,
		Error:     err.Error(),
		At:        p.clock.Now().UTC(),
	})
	p.logger.Error("command delivery failed",
		"device_id", deviceID, "action", action, "reason", reason, "error", err)
	return err
}

// classify maps a transport error onto the package's delivery errors.
func classify(err error) (string, error) {
	switch {
	case errors.Is(err, mqtt.ErrPayloadTooLarge):
		return ReasonTooLarge, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	case errors.Is(err, mqtt.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ReasonTimeout, fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, mqtt.ErrNotConnected),
		errors.Is(err, mqtt.ErrRetriesExhausted),
		errors.Is(err, mqtt.ErrConnectionFailed),
		errors.Is(err, mqtt.ErrClosed):
		return ReasonNotConnected, fmt.Errorf("%w: %w", ErrNotConnected, err)
	default:
		return ReasonRejected, fmt.Errorf("%w: %w", ErrPublishRejected, err)
	}
}

// Broadcast sends action to every device in the connected set.
//
// Sends run concurrently, bounded by the configured worker count, and each
// is limited by the per-device broadcast timeout. A failed device is
// counted and listed; it never stops the others.
func (p *Publisher) Broadcast(ctx context.Context, action Action, opts SendOptions) BroadcastResult {
	var ids []string
	if p.devices != nil {
		ids = p.devices.ConnectedIDs()
	}

	var (
		mu     sync.Mutex
		ok     int
		failed []string
		g      errgroup.Group
	)
	g.SetLimit(p.cfg.BroadcastWorkers)

	for _, id := range ids {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, p.cfg.BroadcastTimeout)
			defer cancel()

			_, err := p.Send(sendCtx, id, action, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, id)
			} else {
				ok++
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	sort.Strings(failed)
	p.logger.Info("broadcast complete",
		"action", actionNameOf(action), "success", ok, "total", len(ids))
	return BroadcastResult{Success: ok, Total: len(ids), Failed: failed}
}

func actionNameOf(a Action) string {
	if a == nil {
		return ""
	}
	return a.Name()
}

// Welcome sends the auto-registration greeting to a newly discovered device.
func (p *Publisher) Welcome(ctx context.Context, deviceID string) error {
	_, err := p.Send(ctx, deviceID, StatusRequest{Message: p.cfg.WelcomeMessage}, SendOptions{})
	return err
}

// WelcomeHook returns a discovery hook that greets new devices.
//
// The hook only schedules the send and returns, so a slow or disconnected
// broker never stalls ingestion. Each send runs in its own goroutine,
// bounded by the broadcast timeout and detached from the triggering
// message's context. At most BroadcastWorkers welcomes are in flight;
// WaitWelcomes drains them.
func (p *Publisher) WelcomeHook() device.DiscoveryHook {
	return func(ctx context.Context, d *device.Device) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.BroadcastTimeout)
		id := d.ID

		p.welcomes.Add(1)
		go func() {
			defer p.welcomes.Done()
			defer cancel()

			select {
			case p.welcomeSlots <- struct{}{}:
				defer func() { <-p.welcomeSlots }()
			case <-sendCtx.Done():
				p.logger.Warn("welcome command dropped", "device_id", id, "error", sendCtx.Err())
				return
			}
			if err := p.Welcome(sendCtx, id); err != nil {
				p.logger.Warn("welcome command failed", "device_id", id, "error", err)
			}
		}()
	}
}

// WaitWelcomes blocks until every scheduled welcome has finished or ctx is
// done. Call it once ingestion has stopped.
func (p *Publisher) WaitWelcomes(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.welcomes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the delivery counters.
func (p *Publisher) Stats() Stats {
	s := Stats{
		Attempts:       p.attempts.Load(),
		Successes:      p.successes.Load(),
		Failures:       p.failed.Load(),
		MirrorFailures: p.mirrorFailures.Load(),
		Pending:        p.pending.Len(),
	}
	if s.Attempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts) * 100
	}
	return s
}

// RecentFailures returns the diagnostic log, newest first.
func (p *Publisher) RecentFailures() []Failure {
	return p.failures.Recent()
}

// Pending returns the pending-acknowledgement table.
func (p *Publisher) Pending() *PendingAcks {
	return p.pending
}
