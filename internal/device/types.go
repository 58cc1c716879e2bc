package device

import (
	"fmt"
	"time"
)

// ConnectivityState is a device's online/offline status as decided by the
// liveness tracker.
type ConnectivityState string

// Connectivity states. There is no terminal state: a device moves between
// online and offline for as long as it exists.
const (
	StateUnknown ConnectivityState = "unknown"
	StateOnline  ConnectivityState = "online"
	StateOffline ConnectivityState = "offline"
)

// Valid reports whether s is a known state.
func (s ConnectivityState) Valid() bool {
	switch s {
	case StateUnknown, StateOnline, StateOffline:
		return true
	}
	return false
}

// ParseState converts a status string (e.g. from a devices/{id}/status
// message) into a ConnectivityState.
func ParseState(s string) (ConnectivityState, error) {
	state := ConnectivityState(s)
	if !state.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return state, nil
}

// Device is a registered embedded node.
// This matches the devices table in migrations/20261019_120000_devices.up.sql.
type Device struct {
	// ID is the hardware-derived identifier (MAC or chip id) and the only
	// uniqueness key.
	ID           string    `json:"device_id"`
	DisplayName  string    `json:"display_name"`
	RegisteredAt time.Time `json:"registered_at"`

	LastSeenAt *time.Time        `json:"last_seen_at,omitempty"`
	State      ConnectivityState `json:"connectivity_state"`
	Active     bool              `json:"active"`

	// Sightings counts discovery upserts; 1 means the row was just created.
	Sightings int `json:"sightings"`
}

// Clone returns an independent copy of the device.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}

// UpsertParams carries a first-sight registration.
type UpsertParams struct {
	ID          string
	DisplayName string
	SeenAt      time.Time
}

// Stats summarises the registry.
type Stats struct {
	Total     int `json:"total"`
	Online    int `json:"online"`
	Offline   int `json:"offline"`
	Unknown   int `json:"unknown"`
	Inactive  int `json:"inactive"`
	Connected int `json:"connected"`
}
