package device

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/database"
	_ "github.com/rnrsolutions/devicelink/migrations" // registers the schema
)

// setupTestDB opens a migrated database for repository tests.
func setupTestDB(t *testing.T, path string) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{Path: path, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func newTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	return NewSQLiteRepository(setupTestDB(t, ":memory:").DB)
}

func TestSQLiteRepository_Upsert(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	d, created, err := repo.Upsert(ctx, UpsertParams{ID: "dev1", DisplayName: "ESP32-DEV1", SeenAt: testTime})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !created {
		t.Error("Upsert() created = false on first call")
	}
	if d.State != StateUnknown || !d.Active || d.Sightings != 1 {
		t.Errorf("Upsert() = %+v, want unknown/active/1", d)
	}
	if !d.RegisteredAt.Equal(testTime) {
		t.Errorf("RegisteredAt = %v, want %v", d.RegisteredAt, testTime)
	}

	later := testTime.Add(90 * time.Second)
	d, created, err = repo.Upsert(ctx, UpsertParams{ID: "dev1", DisplayName: "ignored", SeenAt: later})
	if err != nil {
		t.Fatalf("Upsert() second error = %v", err)
	}
	if created {
		t.Error("Upsert() created = true on second call")
	}
	if d.DisplayName != "ESP32-DEV1" {
		t.Errorf("DisplayName = %q, want the original name kept", d.DisplayName)
	}
	if d.Sightings != 2 {
		t.Errorf("Sightings = %d, want 2", d.Sightings)
	}
	if d.LastSeenAt == nil || !d.LastSeenAt.Equal(later) {
		t.Errorf("LastSeenAt = %v, want %v", d.LastSeenAt, later)
	}
	if !d.RegisteredAt.Equal(testTime) {
		t.Errorf("RegisteredAt changed to %v", d.RegisteredAt)
	}
}

func TestSQLiteRepository_UpsertReactivates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, _, err := repo.Upsert(ctx, UpsertParams{ID: "dev1", DisplayName: "n", SeenAt: testTime}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := repo.Deactivate(ctx, "dev1"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	d, _ := repo.GetByID(ctx, "dev1")
	if d.Active || d.State != StateOffline {
		t.Errorf("after Deactivate = %+v, want inactive/offline", d)
	}

	d, created, err := repo.Upsert(ctx, UpsertParams{ID: "dev1", DisplayName: "n", SeenAt: testTime.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if created || !d.Active {
		t.Errorf("Upsert() created=%v active=%v, want false/true", created, d.Active)
	}
}

func TestSQLiteRepository_SetStatus(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, _, err := repo.Upsert(ctx, UpsertParams{ID: "dev1", DisplayName: "n", SeenAt: testTime}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	seen := testTime.Add(10 * time.Second)
	if err := repo.SetStatus(ctx, "dev1", StateOnline, seen); err != nil {
		t.Fatalf("SetStatus(online) error = %v", err)
	}
	// Zero time keeps last_seen_at.
	if err := repo.SetStatus(ctx, "dev1", StateOffline, time.Time{}); err != nil {
		t.Fatalf("SetStatus(offline) error = %v", err)
	}

	d, err := repo.GetByID(ctx, "dev1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if d.State != StateOffline {
		t.Errorf("State = %q, want offline", d.State)
	}
	if d.LastSeenAt == nil || !d.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt = %v, want %v", d.LastSeenAt, seen)
	}

	if err := repo.SetStatus(ctx, "missing", StateOnline, seen); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("SetStatus(missing) error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.SetStatus(ctx, "dev1", "sleeping", seen); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetStatus(sleeping) error = %v, want ErrInvalidState", err)
	}
}

func TestSQLiteRepository_MarkOffline(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, _, err := repo.Upsert(ctx, UpsertParams{ID: "dev1", DisplayName: "n", SeenAt: testTime}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := repo.SetStatus(ctx, "dev1", StateOnline, testTime); err != nil {
		t.Fatalf("SetStatus(online) error = %v", err)
	}

	// A newer sighting lands before the demotion for testTime.
	fresh := testTime.Add(17 * time.Second)
	if err := repo.SetStatus(ctx, "dev1", StateOnline, fresh); err != nil {
		t.Fatalf("SetStatus(online) error = %v", err)
	}
	marked, err := repo.MarkOffline(ctx, "dev1", testTime)
	if err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}
	if marked {
		t.Error("MarkOffline() = true, want false when a newer sighting exists")
	}
	if d, _ := repo.GetByID(ctx, "dev1"); d.State != StateOnline {
		t.Errorf("State = %q, want online", d.State)
	}

	marked, err = repo.MarkOffline(ctx, "dev1", fresh)
	if err != nil || !marked {
		t.Fatalf("MarkOffline(current) = %v, %v, want true, nil", marked, err)
	}
	if d, _ := repo.GetByID(ctx, "dev1"); d.State != StateOffline {
		t.Errorf("State = %q, want offline", d.State)
	}

	if _, err := repo.MarkOffline(ctx, "missing", fresh); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("MarkOffline(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_GetByIDNotFound(t *testing.T) {
	repo := newTestRepository(t)
	if _, err := repo.GetByID(context.Background(), "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_ListOrdered(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, id := range []string{"zz", "aa", "mm"} {
		if _, _, err := repo.Upsert(ctx, UpsertParams{ID: id, DisplayName: id, SeenAt: testTime}); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	devices, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 3 || devices[0].ID != "aa" || devices[2].ID != "zz" {
		t.Errorf("List() = %v, want aa, mm, zz", devices)
	}
}

func TestSQLiteRepository_RecordTelemetry(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, _, err := repo.Upsert(ctx, UpsertParams{ID: "dev1", DisplayName: "n", SeenAt: testTime}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := repo.RecordTelemetry(ctx, "dev1", []byte(`{"temperature":21.5}`), testTime); err != nil {
			t.Fatalf("RecordTelemetry() error = %v", err)
		}
	}

	n, err := repo.TelemetryCount(ctx, "dev1")
	if err != nil {
		t.Fatalf("TelemetryCount() error = %v", err)
	}
	if n != 3 {
		t.Errorf("TelemetryCount() = %d, want 3", n)
	}

	// Foreign key: telemetry for an unregistered device is rejected.
	if err := repo.RecordTelemetry(ctx, "ghost", []byte(`{}`), testTime); err == nil {
		t.Error("RecordTelemetry(unregistered) error = nil, want foreign key error")
	}
}

// Two registries sharing one database file stand in for two consumer
// processes seeing the same device for the first time.
func TestSQLiteRepository_ConcurrentFirstSight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devicelink.db")
	dbA := setupTestDB(t, path)
	dbB := setupTestDB(t, path)

	registries := []*Registry{
		NewRegistry(NewSQLiteRepository(dbA.DB), ""),
		NewRegistry(NewSQLiteRepository(dbB.DB), ""),
	}

	var welcomes atomic.Int32
	for _, r := range registries {
		r.SetDiscoveryHook(func(context.Context, *Device) { welcomes.Add(1) })
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		r := registries[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Observe(context.Background(), "a4cf12f03c2a", testTime); err != nil {
				t.Errorf("Observe() error = %v", err)
			}
		}()
	}
	wg.Wait()

	devices, err := NewSQLiteRepository(dbA.DB).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(devices))
	}
	if got := welcomes.Load(); got != 1 {
		t.Errorf("welcomes = %d, want 1", got)
	}
}
