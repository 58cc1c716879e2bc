package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/rnrsolutions/devicelink/internal/device"
	"github.com/rnrsolutions/devicelink/internal/notify"
)

// Registry registers sightings. *device.Registry satisfies it.
type Registry interface {
	Observe(ctx context.Context, id string, at time.Time) (bool, error)
}

// Liveness drives online/offline state. *liveness.Tracker satisfies it.
type Liveness interface {
	Observe(ctx context.Context, id string, at time.Time) error
	SetState(ctx context.Context, id string, state device.ConnectivityState, reason string) error
}

// TelemetryStore persists raw telemetry. device.Repository satisfies it.
type TelemetryStore interface {
	RecordTelemetry(ctx context.Context, id string, payload []byte, receivedAt time.Time) error
}

// TimeSeries receives telemetry points. *influxdb.Client satisfies it.
type TimeSeries interface {
	WriteTelemetry(deviceID string, payload map[string]any, at time.Time)
}

// Logger defines the logging interface used by the Pipeline.
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

// Telemetry is one inbound data message.
type Telemetry struct {
	DeviceID string
	// Payload is the raw JSON object as received.
	Payload    []byte
	Fields     map[string]any
	ReceivedAt time.Time
}

// Stats are the pipeline's counters.
type Stats struct {
	StartedAt      time.Time `json:"started_at"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	Processed      int64     `json:"messages_processed"`
	StatusMessages int64     `json:"status_messages"`
	Errors         int64     `json:"errors"`
	Malformed      int64     `json:"malformed"`
	Discovered     int64     `json:"devices_discovered"`
	EchoesDropped  int64     `json:"echoes_dropped"`
	SuccessRate    float64   `json:"success_rate"`
}

// Pipeline processes inbound messages: registry sighting, liveness update,
// persistence, then best-effort time series and notification.
type Pipeline struct {
	registry Registry
	liveness Liveness
	store    TelemetryStore
	series   TimeSeries
	notifier notify.Notifier
	clock    clock.PassiveClock
	started  time.Time

	processed  atomic.Int64
	statuses   atomic.Int64
	errs       atomic.Int64
	malformed  atomic.Int64
	discovered atomic.Int64
	echoes     atomic.Int64

	logger Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeSeries enables the telemetry time-series sink.
func WithTimeSeries(ts TimeSeries) Option {
	return func(p *Pipeline) { p.series = ts }
}

// WithNotifier sets the sensor_data event sink.
func WithNotifier(n notify.Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithClock sets the clock used for receive timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the pipeline's logger.
func WithLogger(l Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(registry Registry, live Liveness, store TelemetryStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		liveness: live,
		store:    store,
		notifier: notify.Nop{},
		clock:    clock.RealClock{},
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.started = p.clock.Now()
	return p
}

// ParseTelemetry decodes a data message body. The body must be a JSON object.
func ParseTelemetry(deviceID string, body []byte, at time.Time) (Telemetry, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return Telemetry{}, fmt.Errorf("%w: telemetry is not a JSON object: %w", ErrMalformed, err)
	}
	if fields == nil {
		return Telemetry{}, fmt.Errorf("%w: telemetry is null", ErrMalformed)
	}
	return Telemetry{DeviceID: deviceID, Payload: body, Fields: fields, ReceivedAt: at}, nil
}

// HandleTelemetry processes one telemetry message.
//
// Registry and liveness run first so the device exists and is online
// before its telemetry row is written. A malformed device id returns
// ErrMalformed; persistence failures are returned as-is so the caller can
// retry the message.
func (p *Pipeline) HandleTelemetry(ctx context.Context, t Telemetry) error {
	if err := p.handleTelemetry(ctx, t); err != nil {
		p.countError(err)
		return err
	}
	p.processed.Add(1)
	return nil
}

func (p *Pipeline) handleTelemetry(ctx context.Context, t Telemetry) error {
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = p.clock.Now()
	}

	created, err := p.registry.Observe(ctx, t.DeviceID, t.ReceivedAt)
	if err != nil {
		if errors.Is(err, device.ErrInvalidDeviceID) {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return fmt.Errorf("registering device: %w", err)
	}
	if created {
		p.discovered.Add(1)
	}

	if err := p.liveness.Observe(ctx, t.DeviceID, t.ReceivedAt); err != nil {
		return err
	}

	if err := p.store.RecordTelemetry(ctx, t.DeviceID, t.Payload, t.ReceivedAt); err != nil {
		return err
	}

	if p.series != nil {
		p.series.WriteTelemetry(t.DeviceID, t.Fields, t.ReceivedAt)
	}

	e := notify.Event{
		Type:      notify.EventSensorData,
		DeviceID:  t.DeviceID,
		Payload:   t.Fields,
		Timestamp: t.ReceivedAt.UTC(),
	}
	if err := p.notifier.Notify(ctx, e); err != nil {
		p.logger.Warn("sensor data notification failed", "device_id", t.DeviceID, "error", err)
	}

	p.logger.Debug("telemetry processed", "device_id", t.DeviceID, "new_device", created)
	return nil
}

// statusMessage is the body of devices/{id}/status. Events republished by
// the AMQP notifier carry the status under payload instead.
type statusMessage struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Payload struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"payload"`
}

// HandleStatus applies an explicit status message for deviceID.
//
// An online status also registers the device, so a node that announces
// itself before sending data is still discovered.
func (p *Pipeline) HandleStatus(ctx context.Context, deviceID string, body []byte) error {
	if err := p.handleStatus(ctx, deviceID, body); err != nil {
		p.countError(err)
		return err
	}
	p.statuses.Add(1)
	return nil
}

func (p *Pipeline) handleStatus(ctx context.Context, deviceID string, body []byte) error {
	var msg statusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: status is not a JSON object: %w", ErrMalformed, err)
	}
	raw, reason := msg.Status, msg.Reason
	if raw == "" {
		raw, reason = msg.Payload.Status, msg.Payload.Reason
	}

	state, err := device.ParseState(raw)
	if err != nil || state == device.StateUnknown {
		return fmt.Errorf("%w: status %q", ErrMalformed, raw)
	}
	if err := device.ValidateID(deviceID); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if state == device.StateOnline {
		created, err := p.registry.Observe(ctx, deviceID, p.clock.Now())
		if err != nil {
			return fmt.Errorf("registering device: %w", err)
		}
		if created {
			p.discovered.Add(1)
		}
	}

	return p.liveness.SetState(ctx, deviceID, state, reason)
}

func (p *Pipeline) countError(err error) {
	if errors.Is(err, ErrMalformed) {
		p.malformed.Add(1)
		p.logger.Warn("malformed message rejected", "error", err)
		return
	}
	p.errs.Add(1)
	p.logger.Error("message processing failed", "error", err)
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	now := p.clock.Now()
	s := Stats{
		StartedAt:      p.started,
		UptimeSeconds:  now.Sub(p.started).Seconds(),
		Processed:      p.processed.Load(),
		StatusMessages: p.statuses.Load(),
		Errors:         p.errs.Load(),
		Malformed:      p.malformed.Load(),
		Discovered:     p.discovered.Load(),
		EchoesDropped:  p.echoes.Load(),
	}
	total := s.Processed + s.StatusMessages + s.Errors + s.Malformed
	if total > 0 {
		s.SuccessRate = float64(s.Processed+s.StatusMessages) / float64(total) * 100
	}
	return s
}
