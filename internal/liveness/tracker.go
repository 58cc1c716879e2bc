package liveness

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/rnrsolutions/devicelink/internal/device"
	"github.com/rnrsolutions/devicelink/internal/notify"
)

// Defaults.
const (
	DefaultOfflineThreshold = 15 * time.Second
	DefaultSweepInterval    = 5 * time.Second
)

// StatusStore persists connectivity state. device.Repository satisfies it.
//
// MarkOffline must not demote a device whose stored last sighting is newer
// than lastSeen, so a concurrent online write always wins.
type StatusStore interface {
	SetStatus(ctx context.Context, id string, state device.ConnectivityState, lastSeen time.Time) error
	MarkOffline(ctx context.Context, id string, lastSeen time.Time) (bool, error)
}

// Logger defines the logging interface used by the Tracker.
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

// Config holds the timing settings.
type Config struct {
	// OfflineThreshold is how long an online device may stay silent
	// before the sweep demotes it.
	OfflineThreshold time.Duration

	// SweepInterval is the period of the timeout sweep.
	SweepInterval time.Duration
}

// entry is the in-memory state of one device.
type entry struct {
	state    device.ConnectivityState
	lastSeen time.Time
	// offlineSince is set when the device is demoted.
	offlineSince time.Time
	// gen increases on every transition. A demotion applied outside the
	// lock is stale once gen has moved on.
	gen uint64
}

// transition is a state change decided under the lock and acted on
// (persisted, notified) after it is released.
type transition struct {
	id       string
	from     device.ConnectivityState
	to       device.ConnectivityState
	lastSeen time.Time
	at       time.Time
	reason   string
	// silentFor is lastSeen->at for demotions, offlineSince->at for promotions.
	silentFor time.Duration
	gen       uint64
}

// Stats are liveness counters.
type Stats struct {
	Tracked     int   `json:"tracked"`
	Online      int   `json:"online"`
	Offline     int   `json:"offline"`
	Unknown     int   `json:"unknown"`
	WentOnline  int64 `json:"went_online"`
	WentOffline int64 `json:"went_offline"`
	Sweeps      int64 `json:"sweeps"`
}

// Tracker drives the per-device online/offline state machine.
//
// Telemetry promotes a device to online immediately. A periodic sweep
// demotes online devices that have been silent for longer than the
// offline threshold. Each transition is persisted and produces exactly one
// status_change event; repeated observations and repeated sweeps of a
// device already in the target state produce none.
//
// The status map is guarded by an RWMutex. Persistence and notification
// run outside the lock.
type Tracker struct {
	store    StatusStore
	notifier notify.Notifier
	clock    clock.WithTicker
	cfg      Config

	mu      sync.RWMutex
	devices map[string]*entry

	onOffline func(id string, lastSeen time.Time)

	wentOnline  atomic.Int64
	wentOffline atomic.Int64
	sweeps      atomic.Int64

	logger Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for sweeps and event timestamps.
func WithClock(c clock.WithTicker) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithNotifier sets the status_change event sink.
func WithNotifier(n notify.Notifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

// WithLogger sets the tracker's logger.
func WithLogger(l Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a liveness tracker. Zero durations take the defaults.
func New(store StatusStore, cfg Config, opts ...Option) *Tracker {
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultOfflineThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	t := &Tracker{
		store:    store,
		notifier: notify.Nop{},
		clock:    clock.RealClock{},
		cfg:      cfg,
		devices:  make(map[string]*entry),
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetOnOffline registers a callback run after a device is demoted, e.g.
// the registry's Release so the next sighting upserts again. It runs under
// the tracker lock and only while the demotion is still current, so it must
// not call back into the Tracker.
func (t *Tracker) SetOnOffline(fn func(id string, lastSeen time.Time)) {
	t.onOffline = fn
}

// Seed loads persisted state on startup. Inactive devices and devices in
// the unknown state are skipped. A device persisted as online keeps its
// last_seen_at, so the first sweep demotes it if it has gone quiet.
func (t *Tracker) Seed(devices []device.Device) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range devices {
		if !d.Active || d.State == device.StateUnknown {
			continue
		}
		e := &entry{state: d.State, lastSeen: now}
		if d.LastSeenAt != nil {
			e.lastSeen = *d.LastSeenAt
		}
		if d.State == device.StateOffline {
			e.offlineSince = e.lastSeen
		}
		t.devices[d.ID] = e
	}
	t.logger.Info("liveness state seeded", "devices", len(t.devices))
}

// Observe records telemetry from id received at at.
//
// The device becomes online synchronously and state=online with
// last_seen_at is persisted on every call. A status_change event is emitted
// only when the device was not already online.
//
// Returns the persistence error, if any; the in-memory state stays online.
func (t *Tracker) Observe(ctx context.Context, id string, at time.Time) error {
	tr, changed := t.promote(id, at, "")
	err := t.store.SetStatus(ctx, id, device.StateOnline, at)
	if changed {
		t.emit(ctx, tr)
	}
	if err != nil {
		return fmt.Errorf("persisting online state: %w", err)
	}
	return nil
}

// promote marks id online, returning the transition if its state changed.
func (t *Tracker) promote(id string, at time.Time, reason string) (transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.devices[id]
	if !ok {
		e = &entry{state: device.StateUnknown}
		t.devices[id] = e
	}
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
	if e.state == device.StateOnline {
		return transition{}, false
	}

	tr := transition{
		id:       id,
		from:     e.state,
		to:       device.StateOnline,
		lastSeen: e.lastSeen,
		at:       at,
		reason:   reason,
	}
	if e.state == device.StateOffline && !e.offlineSince.IsZero() {
		tr.silentFor = at.Sub(e.offlineSince)
	}
	e.state = device.StateOnline
	e.offlineSince = time.Time{}
	e.gen++
	return tr, true
}

// demoteLocked marks e offline and returns the transition.
// Caller must hold t.mu.
func (t *Tracker) demoteLocked(id string, e *entry, now time.Time, reason string) transition {
	tr := transition{
		id:        id,
		from:      e.state,
		to:        device.StateOffline,
		lastSeen:  e.lastSeen,
		at:        now,
		reason:    reason,
		silentFor: now.Sub(e.lastSeen),
	}
	e.state = device.StateOffline
	e.offlineSince = now
	e.gen++
	tr.gen = e.gen
	return tr
}

// Sweep demotes every online device silent for longer than the offline
// threshold and returns their ids, sorted. Devices already offline are
// skipped, so a device produces one offline event per transition, not one
// per sweep.
func (t *Tracker) Sweep(ctx context.Context) []string {
	t.sweeps.Add(1)
	now := t.clock.Now()

	var demoted []transition
	t.mu.Lock()
	for id, e := range t.devices {
		if e.state != device.StateOnline {
			continue
		}
		if now.Sub(e.lastSeen) > t.cfg.OfflineThreshold {
			demoted = append(demoted, t.demoteLocked(id, e, now, notify.ReasonDataTimeout))
		}
	}
	t.mu.Unlock()

	sort.Slice(demoted, func(i, j int) bool { return demoted[i].id < demoted[j].id })

	ids := make([]string, 0, len(demoted))
	for _, tr := range demoted {
		t.applyOffline(ctx, tr)
		ids = append(ids, tr.id)
	}
	return ids
}

// applyOffline announces and persists a demotion decided under the lock.
//
// Telemetry may promote the device again while this runs. The store write
// is conditional on the last sighting, and the offline callback only runs
// if no promotion happened since the demotion, so a fresh sighting is never
// undone.
func (t *Tracker) applyOffline(ctx context.Context, tr transition) {
	t.emit(ctx, tr)

	marked, err := t.store.MarkOffline(ctx, tr.id, tr.lastSeen)
	if err != nil {
		t.logger.Error("failed to persist offline state", "device_id", tr.id, "error", err)
	} else if !marked {
		t.logger.Debug("offline write superseded by a newer sighting", "device_id", tr.id)
	}

	t.mu.Lock()
	e, ok := t.devices[tr.id]
	current := ok && e.gen == tr.gen
	if current && t.onOffline != nil {
		t.onOffline(tr.id, tr.lastSeen)
	}
	t.mu.Unlock()

	if !current {
		t.logger.Debug("device promoted while going offline", "device_id", tr.id)
		return
	}
	t.logger.Info("device went offline",
		"device_id", tr.id,
		"silent_for", tr.silentFor.String(),
		"reason", tr.reason,
	)
}

// SetState applies an explicit status message (devices/{id}/status).
// The same one-event-per-transition rule applies as for telemetry and
// sweeps. StateUnknown is rejected.
func (t *Tracker) SetState(ctx context.Context, id string, state device.ConnectivityState, reason string) error {
	if reason == "" {
		reason = notify.ReasonStatusMessage
	}
	now := t.clock.Now()

	switch state {
	case device.StateOnline:
		tr, changed := t.promote(id, now, reason)
		err := t.store.SetStatus(ctx, id, device.StateOnline, now)
		if changed {
			t.emit(ctx, tr)
		}
		if err != nil {
			return fmt.Errorf("persisting online state: %w", err)
		}
		return nil

	case device.StateOffline:
		t.mu.Lock()
		e, ok := t.devices[id]
		if !ok {
			e = &entry{state: device.StateUnknown, lastSeen: now}
			t.devices[id] = e
		}
		if e.state == device.StateOffline {
			t.mu.Unlock()
			return nil
		}
		tr := t.demoteLocked(id, e, now, reason)
		t.mu.Unlock()

		t.applyOffline(ctx, tr)
		return nil

	default:
		return fmt.Errorf("%w: %q", device.ErrInvalidState, state)
	}
}

// emit sends a status_change event. Failures are logged only.
func (t *Tracker) emit(ctx context.Context, tr transition) {
	if tr.to == device.StateOnline {
		t.wentOnline.Add(1)
	} else {
		t.wentOffline.Add(1)
	}

	payload := map[string]any{
		notify.KeyStatus:     string(tr.to),
		notify.KeyTransition: string(tr.from) + "_to_" + string(tr.to),
	}
	if tr.reason != "" {
		payload[notify.KeyReason] = tr.reason
	}
	if !tr.lastSeen.IsZero() {
		payload[notify.KeyLastSeen] = tr.lastSeen.UTC().Format(time.RFC3339)
	}
	switch tr.to {
	case device.StateOffline:
		payload[notify.KeyOfflineDuration] = tr.silentFor.Seconds()
	case device.StateOnline:
		if tr.silentFor > 0 {
			payload[notify.KeyLastOfflineFor] = tr.silentFor.Seconds()
		}
	}

	e := notify.Event{
		Type:      notify.EventStatusChange,
		DeviceID:  tr.id,
		Payload:   payload,
		Timestamp: tr.at.UTC(),
	}
	if err := t.notifier.Notify(ctx, e); err != nil {
		t.logger.Warn("status change notification failed", "device_id", tr.id, "error", err)
	}
}

// Run sweeps every SweepInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	t.logger.Info("liveness sweep started",
		"interval", t.cfg.SweepInterval.String(),
		"offline_threshold", t.cfg.OfflineThreshold.String(),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			t.Sweep(ctx)
		}
	}
}

// State returns the in-memory state of id, StateUnknown if untracked.
func (t *Tracker) State(id string) device.ConnectivityState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.devices[id]; ok {
		return e.state
	}
	return device.StateUnknown
}

// Remove stops tracking id, e.g. after the device is deactivated.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.devices, id)
	t.mu.Unlock()
}

// Stats returns state counts and transition counters.
func (t *Tracker) Stats() Stats {
	s := Stats{
		WentOnline:  t.wentOnline.Load(),
		WentOffline: t.wentOffline.Load(),
		Sweeps:      t.sweeps.Load(),
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	s.Tracked = len(t.devices)
	for _, e := range t.devices {
		switch e.state {
		case device.StateOnline:
			s.Online++
		case device.StateOffline:
			s.Offline++
		default:
			s.Unknown++
		}
	}
	return s
}
