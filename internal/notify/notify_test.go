package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var eventTime = time.Date(2026, 10, 19, 12, 0, 16, 0, time.UTC)

func offlineEvent() Event {
	return Event{
		Type:     EventStatusChange,
		DeviceID: "AA11",
		Payload: map[string]any{
			KeyStatus:          "offline",
			KeyTransition:      "online_to_offline",
			KeyOfflineDuration: 16.0,
			KeyReason:          ReasonDataTimeout,
		},
		Timestamp: eventTime,
	}
}

func sensorEvent() Event {
	return Event{
		Type:      EventSensorData,
		DeviceID:  "AA11",
		Payload:   map[string]any{"temperature": 24.1},
		Timestamp: eventTime,
	}
}

// ============================================================================
// Multi
// ============================================================================

func TestMulti(t *testing.T) {
	var calls []string
	ok := Func(func(context.Context, Event) error {
		calls = append(calls, "ok")
		return nil
	})
	errA := errors.New("a failed")
	failing := Func(func(context.Context, Event) error {
		calls = append(calls, "fail")
		return errA
	})

	m := Multi{failing, ok, Nop{}}
	err := m.Notify(context.Background(), offlineEvent())

	if !errors.Is(err, errA) {
		t.Errorf("Notify() error = %v, want errA", err)
	}
	if len(calls) != 2 || calls[1] != "ok" {
		t.Errorf("calls = %v, want every notifier tried", calls)
	}

	if err := (Multi{ok}).Notify(context.Background(), offlineEvent()); err != nil {
		t.Errorf("Notify() error = %v, want nil", err)
	}
}

// ============================================================================
// Log
// ============================================================================

type logEntry struct {
	level string
	msg   string
	args  []any
}

type fakeLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *fakeLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level, msg, args})
}

func (l *fakeLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *fakeLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *fakeLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *fakeLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func TestLog(t *testing.T) {
	fl := &fakeLogger{}
	n := NewLog(fl)

	_ = n.Notify(context.Background(), offlineEvent())
	_ = n.Notify(context.Background(), sensorEvent())

	if len(fl.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(fl.entries))
	}
	if fl.entries[0].level != "info" || fl.entries[0].msg != "device status changed" {
		t.Errorf("status entry = %+v", fl.entries[0])
	}
	if fl.entries[1].level != "debug" {
		t.Errorf("sensor entry level = %q, want debug", fl.entries[1].level)
	}
}

// ============================================================================
// MQTT
// ============================================================================

type mqttCall struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeMQTT struct {
	calls []mqttCall
	err   error
}

func (f *fakeMQTT) Publish(_ context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, mqttCall{topic, payload, qos, retained})
	return nil
}

func TestMQTT_Notify(t *testing.T) {
	pub := &fakeMQTT{}
	n := NewMQTT(pub, 1)

	if err := n.Notify(context.Background(), offlineEvent()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pub.calls))
	}
	c := pub.calls[0]
	if c.topic != "devicelink/events/status_change/AA11" || c.qos != 1 || c.retained {
		t.Errorf("publish = %s qos=%d retained=%v", c.topic, c.qos, c.retained)
	}

	var got Event
	if err := json.Unmarshal(c.payload, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Type != EventStatusChange || got.DeviceID != "AA11" || got.Payload[KeyReason] != ReasonDataTimeout {
		t.Errorf("event = %+v", got)
	}

	pub.err = errors.New("mqtt: client not connected")
	if err := n.Notify(context.Background(), sensorEvent()); err == nil {
		t.Error("Notify() error = nil, want publish error")
	}
}

// ============================================================================
// AMQP
// ============================================================================

type amqpCall struct {
	exchange string
	key      string
	body     []byte
}

type fakeAMQP struct {
	calls []amqpCall
}

func (f *fakeAMQP) Publish(_ context.Context, exchange, key string, body []byte) error {
	f.calls = append(f.calls, amqpCall{exchange, key, body})
	return nil
}

func TestAMQP_Notify(t *testing.T) {
	tests := []struct {
		name     string
		types    []EventType
		event    Event
		wantKey  string
		wantSent bool
	}{
		{
			name:     "status change by default",
			event:    offlineEvent(),
			wantKey:  "status.AA11",
			wantSent: true,
		},
		{
			name:  "sensor data skipped by default",
			event: sensorEvent(),
		},
		{
			name:     "sensor data when enabled",
			types:    []EventType{EventSensorData, EventStatusChange},
			event:    sensorEvent(),
			wantKey:  "data.AA11",
			wantSent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakeAMQP{}
			n := NewAMQP(pub, tt.types...)

			if err := n.Notify(context.Background(), tt.event); err != nil {
				t.Fatalf("Notify() error = %v", err)
			}
			if !tt.wantSent {
				if len(pub.calls) != 0 {
					t.Errorf("publishes = %d, want 0", len(pub.calls))
				}
				return
			}
			if len(pub.calls) != 1 {
				t.Fatalf("publishes = %d, want 1", len(pub.calls))
			}
			if pub.calls[0].exchange != "device_management" || pub.calls[0].key != tt.wantKey {
				t.Errorf("publish = %s/%s, want device_management/%s", pub.calls[0].exchange, pub.calls[0].key, tt.wantKey)
			}
		})
	}
}

// ============================================================================
// Telegram
// ============================================================================

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.err != nil {
		return tgbotapi.Message{}, b.err
	}
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func TestTelegram_Notify(t *testing.T) {
	bot := &fakeBot{}
	n := newTelegram(bot, 424242, "Greenhouse <North>")

	if err := n.Notify(context.Background(), offlineEvent()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := n.Notify(context.Background(), sensorEvent()); err != nil {
		t.Fatalf("Notify(sensor) error = %v", err)
	}

	if len(bot.sent) != 1 {
		t.Fatalf("messages = %d, want 1 (sensor data ignored)", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T, want MessageConfig", bot.sent[0])
	}
	if msg.ChatID != 424242 || msg.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("chat/mode = %d/%q", msg.ChatID, msg.ParseMode)
	}
	for _, want := range []string{"Device offline", "<code>AA11</code>", "Greenhouse &lt;North&gt;", "Silent for: 16s", "data_timeout"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("text missing %q:\n%s", want, msg.Text)
		}
	}
}

func TestTelegram_SendError(t *testing.T) {
	bot := &fakeBot{err: errors.New("Forbidden: bot was blocked by the user")}
	n := newTelegram(bot, 1, "")

	if err := n.Notify(context.Background(), offlineEvent()); err == nil {
		t.Error("Notify() error = nil, want send error")
	}
}

func TestNewTelegram_InvalidChatID(t *testing.T) {
	if _, err := NewTelegram("token", "ops-channel", ""); err == nil {
		t.Error("NewTelegram() error = nil, want chat id error")
	}
}

// ============================================================================
// Influx
// ============================================================================

type statusPoint struct {
	deviceID, state, transition string
	offline                     float64
	at                          time.Time
}

type fakeStatusWriter struct {
	points []statusPoint
}

func (w *fakeStatusWriter) WriteStatusChange(deviceID, state, transition string, offlineSeconds float64, at time.Time) {
	w.points = append(w.points, statusPoint{deviceID, state, transition, offlineSeconds, at})
}

func TestInflux_Notify(t *testing.T) {
	w := &fakeStatusWriter{}
	n := NewInflux(w)

	_ = n.Notify(context.Background(), sensorEvent())
	if err := n.Notify(context.Background(), offlineEvent()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	want := statusPoint{"AA11", "offline", "online_to_offline", 16, eventTime}
	if w.points[0] != want {
		t.Errorf("point = %+v, want %+v", w.points[0], want)
	}
}
