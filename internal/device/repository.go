package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout stores timestamps as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Upsert registers a device on sight. A new row is created with state
	// unknown; an existing row is reactivated and its last_seen_at and
	// sightings updated. created reports whether the row was inserted.
	Upsert(ctx context.Context, p UpsertParams) (d *Device, created bool, err error)

	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// SetStatus persists the connectivity state. A zero lastSeen leaves
	// last_seen_at unchanged.
	SetStatus(ctx context.Context, id string, state ConnectivityState, lastSeen time.Time) error

	// MarkOffline persists state offline unless the device was seen after
	// lastSeen. marked is false when a newer sighting won.
	MarkOffline(ctx context.Context, id string, lastSeen time.Time) (marked bool, err error)

	// RecordTelemetry stores one raw telemetry payload.
	RecordTelemetry(ctx context.Context, id string, payload []byte, receivedAt time.Time) error

	// Deactivate marks a device inactive. It is reactivated on next sight.
	Deactivate(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with migrations applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `device_id, display_name, registered_at, last_seen_at,
	connectivity_state, active, sightings`

// Upsert registers a device in a single statement, so concurrent first
// sightings from several consumers still produce exactly one row.
func (r *SQLiteRepository) Upsert(ctx context.Context, p UpsertParams) (*Device, bool, error) {
	seen := p.SeenAt.UTC().Format(timeLayout)
	query := `
		INSERT INTO devices (device_id, display_name, registered_at, last_seen_at,
			connectivity_state, active, sightings)
		VALUES (?, ?, ?, ?, 'unknown', 1, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			active = 1,
			last_seen_at = excluded.last_seen_at,
			sightings = devices.sightings + 1
		RETURNING ` + deviceColumns

	row := r.db.QueryRowContext(ctx, query, p.ID, p.DisplayName, seen, seen)
	d, err := scanDeviceRow(row)
	if err != nil {
		return nil, false, fmt.Errorf("upserting device: %w", err)
	}
	return d, d.Sightings == 1, nil
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = ?`

	d, err := scanDeviceRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// SetStatus persists the connectivity state.
func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, state ConnectivityState, lastSeen time.Time) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	var seen any
	if !lastSeen.IsZero() {
		seen = lastSeen.UTC().Format(timeLayout)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET connectivity_state = ?, last_seen_at = COALESCE(?, last_seen_at)
		WHERE device_id = ?`,
		string(state), seen, id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return requireRow(result)
}

// MarkOffline demotes id unless last_seen_at has moved past lastSeen.
// A zero lastSeen demotes unconditionally.
func (r *SQLiteRepository) MarkOffline(ctx context.Context, id string, lastSeen time.Time) (bool, error) {
	var cutoff any
	if !lastSeen.IsZero() {
		cutoff = lastSeen.UTC().Format(timeLayout)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET connectivity_state = ?
		WHERE device_id = ?
		  AND (? IS NULL OR last_seen_at IS NULL OR last_seen_at <= ?)`,
		string(StateOffline), id, cutoff, cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("marking device offline: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking device offline: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordTelemetry stores one raw telemetry payload.
func (r *SQLiteRepository) RecordTelemetry(ctx context.Context, id string, payload []byte, receivedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_telemetry (device_id, payload, received_at) VALUES (?, ?, ?)`,
		id, string(payload), receivedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("recording telemetry: %w", err)
	}
	return nil
}

// Deactivate marks a device inactive and offline.
func (r *SQLiteRepository) Deactivate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET active = 0, connectivity_state = 'offline' WHERE device_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating device: %w", err)
	}
	return requireRow(result)
}

// TelemetryCount returns the number of stored telemetry rows for a device.
func (r *SQLiteRepository) TelemetryCount(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_telemetry WHERE device_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting telemetry: %w", err)
	}
	return n, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var registeredAt, state string
	var lastSeen sql.NullString
	var active int

	err := scanner.Scan(
		&d.ID,
		&d.DisplayName,
		&registeredAt,
		&lastSeen,
		&state,
		&active,
		&d.Sightings,
	)
	if err != nil {
		return nil, err
	}

	d.State = ConnectivityState(state)
	d.Active = active != 0

	if d.RegisteredAt, err = time.Parse(timeLayout, registeredAt); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if lastSeen.Valid {
		t, err := time.Parse(timeLayout, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen_at: %w", err)
		}
		d.LastSeenAt = &t
	}

	return &d, nil
}
