package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultNamePrefix is used for auto-generated display names.
const DefaultNamePrefix = "ESP32"

// displayNameSuffixLen is how many trailing id characters go into a
// generated display name.
const displayNameSuffixLen = 6

// maxDeviceIDLen bounds accepted device identifiers.
const maxDeviceIDLen = 64

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DiscoveryHook is called once when a device row is created.
type DiscoveryHook func(ctx context.Context, d *Device)

// Registry tracks which devices are known and currently connected.
//
// The connected set is an in-memory cache of devices seen since they were
// last demoted; it spares the database an upsert on every message. The
// durable, timeout-driven state is owned by the liveness tracker.
//
// All public methods are thread-safe.
type Registry struct {
	repo   Repository
	prefix string

	// connected maps each connected id to its latest sighting.
	connected   map[string]time.Time
	connectedMu sync.RWMutex

	// discoveries coalesces concurrent first sightings of one id.
	discoveries singleflight.Group

	onDiscover DiscoveryHook
	hookMu     sync.RWMutex

	logger Logger
}

// NewRegistry creates a new device registry.
// namePrefix is used for generated display names; empty means DefaultNamePrefix.
func NewRegistry(repo Repository, namePrefix string) *Registry {
	if namePrefix == "" {
		namePrefix = DefaultNamePrefix
	}
	return &Registry{
		repo:      repo,
		prefix:    namePrefix,
		connected: make(map[string]time.Time),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetDiscoveryHook sets the callback run when a new device is registered.
func (r *Registry) SetDiscoveryHook(hook DiscoveryHook) {
	r.hookMu.Lock()
	r.onDiscover = hook
	r.hookMu.Unlock()
}

// ValidateID checks that id can be used in topics and routing keys.
func ValidateID(id string) error {
	if id == "" || len(id) > maxDeviceIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	if strings.ContainsAny(id, "/+#. \t\r\n") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidDeviceID, id)
	}
	return nil
}

// Observe registers a sighting of id.
//
// If id is already in the connected set nothing is written. Otherwise the
// device is upserted (concurrent sightings of the same id share one upsert),
// added to the connected set and, when the row was created, the discovery
// hook runs exactly once.
//
// Returns:
//   - created: true when this sighting created the device record
//   - error: ErrInvalidDeviceID or a persistence error
func (r *Registry) Observe(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	if r.touch(id, at) {
		return false, nil
	}

	v, err, _ := r.discoveries.Do(id, func() (any, error) {
		if r.touch(id, at) {
			return false, nil
		}

		d, created, err := r.repo.Upsert(ctx, UpsertParams{
			ID:          id,
			DisplayName: r.DisplayName(id),
			SeenAt:      at,
		})
		if err != nil {
			return false, err
		}

		r.connectedMu.Lock()
		if seen, ok := r.connected[id]; !ok || at.After(seen) {
			r.connected[id] = at
		}
		r.connectedMu.Unlock()

		if created {
			r.logger.Info("device discovered", "device_id", id, "display_name", d.DisplayName)
			r.runHook(ctx, d)
		} else {
			r.logger.Debug("device reconnected", "device_id", id, "sightings", d.Sightings)
		}
		return created, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *Registry) runHook(ctx context.Context, d *Device) {
	r.hookMu.RLock()
	hook := r.onDiscover
	r.hookMu.RUnlock()
	if hook != nil {
		hook(ctx, d.Clone())
	}
}

// DisplayName returns the generated name for id: the prefix, a dash and
// the last six characters of the id, upper-cased.
//
// Example: DisplayName("a4cf12f03c2a") = "ESP32-F03C2A"
func (r *Registry) DisplayName(id string) string {
	suffix := id
	if len(suffix) > displayNameSuffixLen {
		suffix = suffix[len(suffix)-displayNameSuffixLen:]
	}
	return r.prefix + "-" + strings.ToUpper(suffix)
}

// IsConnected reports whether id is in the connected set.
func (r *Registry) IsConnected(id string) bool {
	r.connectedMu.RLock()
	defer r.connectedMu.RUnlock()
	_, ok := r.connected[id]
	return ok
}

// ConnectedIDs returns the connected set in sorted order.
func (r *Registry) ConnectedIDs() []string {
	r.connectedMu.RLock()
	ids := make([]string, 0, len(r.connected))
	for id := range r.connected {
		ids = append(ids, id)
	}
	r.connectedMu.RUnlock()

	sort.Strings(ids)
	return ids
}

// touch advances the sighting time of a connected id and reports whether
// id was in the connected set.
func (r *Registry) touch(id string, at time.Time) bool {
	r.connectedMu.Lock()
	defer r.connectedMu.Unlock()
	seen, ok := r.connected[id]
	if ok && at.After(seen) {
		r.connected[id] = at
	}
	return ok
}

// Release drops id from the connected set after a liveness demotion whose
// last sighting was lastSeen. A device sighted after lastSeen stays
// connected: it was seen again while the demotion was being applied.
func (r *Registry) Release(id string, lastSeen time.Time) {
	r.connectedMu.Lock()
	defer r.connectedMu.Unlock()
	if seen, ok := r.connected[id]; ok && !seen.After(lastSeen) {
		delete(r.connected, id)
	}
}

// Forget removes id from the connected set. The next sighting upserts again.
func (r *Registry) Forget(id string) {
	r.connectedMu.Lock()
	delete(r.connected, id)
	r.connectedMu.Unlock()
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	return r.repo.GetByID(ctx, id)
}

// ListDevices retrieves all devices.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	return r.repo.List(ctx)
}

// Deactivate marks a device inactive and drops it from the connected set.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	r.Forget(id)
	r.logger.Info("device deactivated", "device_id", id)
	return nil
}

// Stats returns device totals by state.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("loading devices: %w", err)
	}

	s := Stats{Total: len(devices)}
	for _, d := range devices {
		switch d.State {
		case StateOnline:
			s.Online++
		case StateOffline:
			s.Offline++
		default:
			s.Unknown++
		}
		if !d.Active {
			s.Inactive++
		}
	}

	r.connectedMu.RLock()
	s.Connected = len(r.connected)
	r.connectedMu.RUnlock()

	return s, nil
}
