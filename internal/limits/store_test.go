package limits

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/timegate/internal/identity"
	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/goodtune/timegate/internal/storage"
	"github.com/goodtune/timegate/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := bolt.Open(filepath.Join(t.TempDir(), "shared.bolt"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	clock := &sharedstate.TestClock{CurrentTime: time.Date(2025, 6, 10, 9, 0, 0, 0, time.Local)}
	sync := sharedstate.New(kv, clock, zerolog.Nop())

	resolver, err := identity.NewResolver(sync, 16, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return NewStore(sync, resolver, zerolog.Nop())
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snapshot := identity.NewSnapshot(identity.HandleFromToken("tok-insta"))
	id, err := store.Create(ctx, "Instagram", 60, snapshot)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id == "" {
		t.Fatal("Create() returned empty ID")
	}

	record, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.DisplayName != "Instagram" || record.DailyLimitMinutes != 60 || !record.IsActive {
		t.Errorf("Get() = %+v, want Instagram/60/active", record)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "", 60, identity.Snapshot{}); err == nil {
		t.Error("Create() with empty name should fail")
	}
	if _, err := store.Create(ctx, "App", -1, identity.Snapshot{}); err == nil {
		t.Error("Create() with negative limit should fail")
	}
}

// Registering a second limit whose name collides case-insensitively
// replaces the first. Last writer wins.
func TestCreateNameCollisionLastWriterWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Create(ctx, "Instagram", 60, identity.Snapshot{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := store.Create(ctx, "  INSTAGRAM ", 30, identity.Snapshot{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	records, err := store.List(ctx, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List() = %d records, want 1 after collision", len(records))
	}
	if records[0].ID != second {
		t.Errorf("surviving ID = %s, want %s", records[0].ID, second)
	}
	if records[0].DailyLimitMinutes != 30 {
		t.Errorf("DailyLimitMinutes = %d, want 30 (last writer)", records[0].DailyLimitMinutes)
	}
	if _, err := store.Get(ctx, first); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(first) error = %v, want ErrNotFound", err)
	}
}

func TestUpdatePatchesFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "YouTube", 45, identity.Snapshot{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	minutes := 90
	active := false
	err = store.Update(ctx, id, Patch{DailyLimitMinutes: &minutes, IsActive: &active})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	record, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if record.DailyLimitMinutes != 90 || record.IsActive {
		t.Errorf("Get() = %+v, want 90 min, inactive", record)
	}
	if record.DisplayName != "YouTube" {
		t.Errorf("DisplayName = %q, want untouched", record.DisplayName)
	}
	if record.ID != id {
		t.Errorf("ID changed on update: %s != %s", record.ID, id)
	}
}

func TestUpdateUnknownIDNotFound(t *testing.T) {
	store := newTestStore(t)

	minutes := 10
	err := store.Update(context.Background(), "missing", Patch{DailyLimitMinutes: &minutes})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "TikTok", 30, identity.Snapshot{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Remove(ctx, id); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after remove error = %v, want ErrNotFound", err)
	}
	if err := store.Remove(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Remove() twice error = %v, want ErrNotFound", err)
	}
}

func TestListActiveOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "Active App", 30, identity.Snapshot{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	id, err := store.Create(ctx, "Paused App", 30, identity.Snapshot{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	inactive := false
	if err := store.Update(ctx, id, Patch{IsActive: &inactive}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	all, err := store.List(ctx, false)
	if err != nil {
		t.Fatalf("List(false) error = %v", err)
	}
	active, err := store.List(ctx, true)
	if err != nil {
		t.Fatalf("List(true) error = %v", err)
	}
	if len(all) != 2 || len(active) != 1 {
		t.Errorf("List() = %d all, %d active; want 2, 1", len(all), len(active))
	}
	if len(active) == 1 && active[0].DisplayName != "Active App" {
		t.Errorf("active[0] = %s, want Active App", active[0].DisplayName)
	}
}

func TestFindByIdentitySnapshotMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	handle := identity.HandleFromToken("tok-insta")
	id, err := store.Create(ctx, "Instagram", 60, identity.NewSnapshot(handle))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	record, err := store.FindByIdentity(ctx, handle, "Instagram")
	if err != nil {
		t.Fatalf("FindByIdentity() error = %v", err)
	}
	if record == nil || record.ID != id {
		t.Errorf("FindByIdentity() = %+v, want limit %s", record, id)
	}
}

func TestFindByIdentityNameFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Snapshot captured a token the host no longer issues.
	id, err := store.Create(ctx, "Instagram", 60, identity.NewSnapshot(identity.HandleFromToken("old-token")))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	reissued := identity.HandleFromToken("new-token")
	record, err := store.FindByIdentity(ctx, reissued, "instagram")
	if err != nil {
		t.Fatalf("FindByIdentity() error = %v", err)
	}
	if record == nil || record.ID != id {
		t.Errorf("FindByIdentity() = %+v, want name fallback to hit %s", record, id)
	}
}

func TestFindByIdentityMissIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "Instagram", 60, identity.Snapshot{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	record, err := store.FindByIdentity(ctx, identity.HandleFromToken("unknown"), "Solitaire")
	if err != nil {
		t.Fatalf("FindByIdentity() error = %v", err)
	}
	if record != nil {
		t.Errorf("FindByIdentity() = %+v, want nil (unattributed)", record)
	}
}

func TestFindByName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "Instagram", 60, identity.Snapshot{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	record, err := store.FindByName(ctx, "  instagram ")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if record == nil || record.ID != id {
		t.Errorf("FindByName() = %+v, want %s", record, id)
	}

	record, err = store.FindByName(ctx, "Snapchat")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if record != nil {
		t.Errorf("FindByName() unknown = %+v, want nil", record)
	}
}
