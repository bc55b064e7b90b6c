package sharedstate

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/timegate/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func newTestSync(t *testing.T) (*Synchronizer, *TestClock) {
	t.Helper()
	kv, err := bolt.Open(filepath.Join(t.TempDir(), "shared.bolt"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	clock := &TestClock{CurrentTime: time.Date(2025, 6, 10, 9, 0, 0, 0, time.Local)}
	return New(kv, clock, zerolog.Nop()), clock
}

func TestLoadLimitsEmptyStore(t *testing.T) {
	sync, _ := newTestSync(t)

	limits, err := sync.LoadLimits(context.Background())
	if err != nil {
		t.Fatalf("LoadLimits() error = %v", err)
	}
	if len(limits) != 0 {
		t.Errorf("LoadLimits() = %d records, want 0", len(limits))
	}
}

func TestMutateLimitsRoundTrip(t *testing.T) {
	sync, clock := newTestSync(t)
	ctx := context.Background()

	err := sync.MutateLimits(ctx, func(limits []LimitRecord) ([]LimitRecord, error) {
		return append(limits, LimitRecord{
			ID:                "l1",
			DisplayName:       "Instagram",
			DailyLimitMinutes: 60,
			IsActive:          true,
			CreatedAt:         clock.Now(),
		}), nil
	})
	if err != nil {
		t.Fatalf("MutateLimits() error = %v", err)
	}

	limits, err := sync.LoadLimits(ctx)
	if err != nil {
		t.Fatalf("LoadLimits() error = %v", err)
	}
	if len(limits) != 1 || limits[0].ID != "l1" || limits[0].DailyLimitMinutes != 60 {
		t.Errorf("LoadLimits() = %+v, want one record l1/60", limits)
	}
}

// One truncated entry costs one record, not the registry.
func TestLoadLimitsDropsMalformedEntry(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	entries := make([]json.RawMessage, 0, 5)
	for _, id := range []string{"a", "b"} {
		entry, _ := json.Marshal(LimitRecord{ID: id, DisplayName: id, IsActive: true})
		entries = append(entries, entry)
	}
	// A process killed mid-write leaves one entry that is valid JSON at
	// the array level but not a usable record.
	entries = append(entries, json.RawMessage(`"truncated garbage"`))
	for _, id := range []string{"c", "d"} {
		entry, _ := json.Marshal(LimitRecord{ID: id, DisplayName: id, IsActive: true})
		entries = append(entries, entry)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal test entries: %v", err)
	}
	if err := sync.kv.Put(ctx, KeyLimits, data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	limits, err := sync.LoadLimits(ctx)
	if err != nil {
		t.Fatalf("LoadLimits() error = %v", err)
	}
	if len(limits) != 4 {
		t.Fatalf("LoadLimits() = %d records, want 4 survivors", len(limits))
	}
	for i, id := range []string{"a", "b", "c", "d"} {
		if limits[i].ID != id {
			t.Errorf("limits[%d].ID = %s, want %s", i, limits[i].ID, id)
		}
	}
}

func TestLoadLimitsUndecodableListIsEmpty(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	if err := sync.kv.Put(ctx, KeyLimits, []byte("{{{")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	limits, err := sync.LoadLimits(ctx)
	if err != nil {
		t.Fatalf("LoadLimits() error = %v", err)
	}
	if len(limits) != 0 {
		t.Errorf("LoadLimits() = %d records, want 0", len(limits))
	}
}

func TestRecordNameWriteOnceWinsIfEmpty(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	if err := sync.RecordName(ctx, "l1", "Instagram"); err != nil {
		t.Fatalf("RecordName() error = %v", err)
	}
	if err := sync.RecordName(ctx, "l1", "Definitely Not Instagram"); err != nil {
		t.Fatalf("RecordName() error = %v", err)
	}

	names, err := sync.Names(ctx)
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	if names["l1"] != "Instagram" {
		t.Errorf("names[l1] = %q, want first writer to win", names["l1"])
	}
}

func TestRecordNameIgnoresEmpty(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	if err := sync.RecordName(ctx, "l1", ""); err != nil {
		t.Fatalf("RecordName() error = %v", err)
	}
	if err := sync.RecordName(ctx, "", "Name"); err != nil {
		t.Fatalf("RecordName() error = %v", err)
	}

	names, _ := sync.Names(ctx)
	if len(names) != 0 {
		t.Errorf("Names() = %v, want empty", names)
	}
}

func TestPutRequestIdempotentWithinStaleness(t *testing.T) {
	sync, clock := newTestSync(t)
	ctx := context.Background()

	first := UnlockEpisode{
		State:        EpisodePuzzleRequested,
		IdentityHash: "h1",
		DisplayName:  "Instagram",
		RequestedAt:  clock.Now(),
	}
	if err := sync.PutRequest(ctx, first, 10*time.Minute); err != nil {
		t.Fatalf("PutRequest() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	second := first
	second.RequestedAt = clock.Now()
	if err := sync.PutRequest(ctx, second, 10*time.Minute); err != nil {
		t.Fatalf("PutRequest() error = %v", err)
	}

	requests, err := sync.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("PendingRequests() error = %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("PendingRequests() = %d, want exactly 1", len(requests))
	}
	if !requests[0].RequestedAt.Equal(first.RequestedAt) {
		t.Errorf("RequestedAt = %v, want original request kept", requests[0].RequestedAt)
	}
}

func TestPutRequestOverwritesStaleRequest(t *testing.T) {
	sync, clock := newTestSync(t)
	ctx := context.Background()

	first := UnlockEpisode{IdentityHash: "h1", RequestedAt: clock.Now()}
	if err := sync.PutRequest(ctx, first, 10*time.Minute); err != nil {
		t.Fatalf("PutRequest() error = %v", err)
	}

	clock.Advance(11 * time.Minute)
	second := UnlockEpisode{IdentityHash: "h1", DisplayName: "Fresh", RequestedAt: clock.Now()}
	if err := sync.PutRequest(ctx, second, 10*time.Minute); err != nil {
		t.Fatalf("PutRequest() error = %v", err)
	}

	request, err := sync.GetRequest(ctx, "h1")
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if request == nil || !request.RequestedAt.Equal(second.RequestedAt) {
		t.Errorf("GetRequest() = %+v, want stale request replaced", request)
	}
	if request.DisplayName != "Fresh" {
		t.Errorf("DisplayName = %q, want overwrite, not merge", request.DisplayName)
	}
}

func TestPutRequestRejectsEmptyHash(t *testing.T) {
	sync, _ := newTestSync(t)

	err := sync.PutRequest(context.Background(), UnlockEpisode{}, time.Minute)
	if err == nil {
		t.Error("PutRequest() with empty hash should fail")
	}
}

func TestGrantLifecycle(t *testing.T) {
	sync, clock := newTestSync(t)
	ctx := context.Background()

	grant := UnlockEpisode{
		State:          EpisodeActiveGrant,
		IdentityHash:   "h1",
		SourceMode:     GrantExtendByMinutes,
		GrantedAt:      clock.Now(),
		GrantExpiresAt: clock.Now().Add(15 * time.Minute),
	}
	if err := sync.PutGrant(ctx, grant); err != nil {
		t.Fatalf("PutGrant() error = %v", err)
	}

	got, err := sync.GetGrant(ctx, "h1")
	if err != nil {
		t.Fatalf("GetGrant() error = %v", err)
	}
	if got == nil || got.SourceMode != GrantExtendByMinutes {
		t.Fatalf("GetGrant() = %+v, want stored grant", got)
	}

	if err := sync.DeleteGrant(ctx, "h1"); err != nil {
		t.Fatalf("DeleteGrant() error = %v", err)
	}
	got, err = sync.GetGrant(ctx, "h1")
	if err != nil {
		t.Fatalf("GetGrant() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetGrant() after delete = %+v, want nil", got)
	}
}

func TestPendingRequestsSortedAndSkipMalformed(t *testing.T) {
	sync, clock := newTestSync(t)
	ctx := context.Background()

	later := UnlockEpisode{IdentityHash: "h2", RequestedAt: clock.Now().Add(time.Minute)}
	earlier := UnlockEpisode{IdentityHash: "h1", RequestedAt: clock.Now()}
	if err := sync.PutRequest(ctx, later, time.Hour); err != nil {
		t.Fatalf("PutRequest() error = %v", err)
	}
	if err := sync.PutRequest(ctx, earlier, time.Hour); err != nil {
		t.Fatalf("PutRequest() error = %v", err)
	}
	if err := sync.kv.Put(ctx, requestKey("bad"), []byte("{{{")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	requests, err := sync.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("PendingRequests() error = %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("PendingRequests() = %d, want 2 (malformed skipped)", len(requests))
	}
	if requests[0].IdentityHash != "h1" || requests[1].IdentityHash != "h2" {
		t.Errorf("order = %s, %s; want h1, h2", requests[0].IdentityHash, requests[1].IdentityHash)
	}
}

func TestAggregatesRoundTrip(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	total, perApp, err := sync.Aggregates(ctx)
	if err != nil {
		t.Fatalf("Aggregates() on empty store error = %v", err)
	}
	if total != 0 || len(perApp) != 0 {
		t.Errorf("Aggregates() = %d, %v; want zero values", total, perApp)
	}

	want := []PerAppUsage{
		{LimitID: "l1", DisplayName: "Instagram", Minutes: 42},
		{LimitID: "l2", DisplayName: "YouTube", Minutes: 18},
	}
	if err := sync.PublishAggregates(ctx, 60, want); err != nil {
		t.Fatalf("PublishAggregates() error = %v", err)
	}

	total, perApp, err = sync.Aggregates(ctx)
	if err != nil {
		t.Fatalf("Aggregates() error = %v", err)
	}
	if total != 60 {
		t.Errorf("total = %d, want 60", total)
	}
	if len(perApp) != 2 || perApp[0].LimitID != "l1" || perApp[1].Minutes != 18 {
		t.Errorf("perApp = %+v, want published values", perApp)
	}
}

func TestUsageLimitIDs(t *testing.T) {
	sync, _ := newTestSync(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		err := sync.MutateUsage(ctx, id, func(r UsageRecord) (UsageRecord, error) {
			r.RunningSeconds = 1
			return r, nil
		})
		if err != nil {
			t.Fatalf("MutateUsage(%s) error = %v", id, err)
		}
	}

	ids, err := sync.UsageLimitIDs(ctx)
	if err != nil {
		t.Fatalf("UsageLimitIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("UsageLimitIDs() = %v, want [a b]", ids)
	}
}
