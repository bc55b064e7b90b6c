package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/goodtune/timegate/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func newTestAccumulator(t *testing.T) (*Accumulator, *sharedstate.TestClock) {
	t.Helper()
	kv, err := bolt.Open(filepath.Join(t.TempDir(), "shared.bolt"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	clock := &sharedstate.TestClock{CurrentTime: time.Date(2025, 6, 10, 9, 0, 0, 0, time.Local)}
	sync := sharedstate.New(kv, clock, zerolog.Nop())
	return NewAccumulator(sync, zerolog.Nop()), clock
}

func TestRecordUsageAccumulates(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.RecordUsage(ctx, "l1", 90); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if err := acc.RecordUsage(ctx, "l1", 30); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}

	minutes, err := acc.UsageMinutes(ctx, "l1")
	if err != nil {
		t.Fatalf("UsageMinutes() error = %v", err)
	}
	if minutes != 2 {
		t.Errorf("UsageMinutes() = %d, want 2", minutes)
	}
}

func TestRecordUsageIgnoresNonPositiveDeltas(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.RecordUsage(ctx, "l1", 120); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if err := acc.RecordUsage(ctx, "l1", -60); err != nil {
		t.Fatalf("RecordUsage() negative error = %v", err)
	}
	if err := acc.RecordUsage(ctx, "l1", 0); err != nil {
		t.Fatalf("RecordUsage() zero error = %v", err)
	}

	minutes, _ := acc.UsageMinutes(ctx, "l1")
	if minutes != 2 {
		t.Errorf("UsageMinutes() = %d, want 2 (usage only moves forward)", minutes)
	}
}

// The reporter's snapshot supersedes deltas recorded before it: 20
// minutes of deltas followed by an authoritative 40 must read 40, never
// 60; a delta after the snapshot continues on top of it.
func TestSnapshotDominance(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.RecordUsage(ctx, "l1", 20*60); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	if err := acc.SetUsage(ctx, "l1", 40*60); err != nil {
		t.Fatalf("SetUsage() error = %v", err)
	}

	minutes, _ := acc.UsageMinutes(ctx, "l1")
	if minutes != 40 {
		t.Fatalf("UsageMinutes() after snapshot = %d, want 40, not a naive sum", minutes)
	}

	if err := acc.RecordUsage(ctx, "l1", 5*60); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	minutes, _ = acc.UsageMinutes(ctx, "l1")
	if minutes != 45 {
		t.Errorf("UsageMinutes() after later delta = %d, want 45", minutes)
	}
}

func TestSetUsageIsMonotonicWithinDay(t *testing.T) {
	acc, _ := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.SetUsage(ctx, "l1", 45*60); err != nil {
		t.Fatalf("SetUsage() error = %v", err)
	}
	// A lower snapshot (host hiccup, delayed report) never moves the
	// total backwards.
	if err := acc.SetUsage(ctx, "l1", 30*60); err != nil {
		t.Fatalf("SetUsage() error = %v", err)
	}

	minutes, _ := acc.UsageMinutes(ctx, "l1")
	if minutes != 45 {
		t.Errorf("UsageMinutes() = %d, want 45 (monotonic)", minutes)
	}
}

func TestRolloverOnNewDay(t *testing.T) {
	acc, clock := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.RecordUsage(ctx, "l1", 50*60); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}

	clock.Advance(24 * time.Hour)

	minutes, err := acc.UsageMinutes(ctx, "l1")
	if err != nil {
		t.Fatalf("UsageMinutes() error = %v", err)
	}
	if minutes != 0 {
		t.Fatalf("UsageMinutes() after day change = %d, want 0", minutes)
	}

	// The rollover is persisted, and new usage accumulates from zero.
	if err := acc.RecordUsage(ctx, "l1", 10*60); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	minutes, _ = acc.UsageMinutes(ctx, "l1")
	if minutes != 10 {
		t.Errorf("UsageMinutes() = %d, want 10", minutes)
	}

	record, err := acc.Usage(ctx, "l1")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if record.LastResetDate != sharedstate.DayOf(clock.Now()) {
		t.Errorf("LastResetDate = %s, want %s", record.LastResetDate, sharedstate.DayOf(clock.Now()))
	}
}

func TestRolloverAppliedBeforeMutation(t *testing.T) {
	acc, clock := newTestAccumulator(t)
	ctx := context.Background()

	if err := acc.RecordUsage(ctx, "l1", 50*60); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}

	clock.Advance(24 * time.Hour)

	// First write of the new day starts from zero, not from yesterday.
	if err := acc.RecordUsage(ctx, "l1", 3*60); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}
	minutes, _ := acc.UsageMinutes(ctx, "l1")
	if minutes != 3 {
		t.Errorf("UsageMinutes() = %d, want 3", minutes)
	}
}

func TestFutureDatedRecordLeftAlone(t *testing.T) {
	acc, clock := newTestAccumulator(t)
	ctx := context.Background()

	clock.Advance(48 * time.Hour)
	if err := acc.RecordUsage(ctx, "l1", 15*60); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}

	// Clock skew backwards: the future-dated record is not zeroed.
	clock.CurrentTime = clock.CurrentTime.Add(-24 * time.Hour)
	minutes, err := acc.UsageMinutes(ctx, "l1")
	if err != nil {
		t.Fatalf("UsageMinutes() error = %v", err)
	}
	if minutes != 15 {
		t.Errorf("UsageMinutes() = %d, want 15 (future record preserved)", minutes)
	}
}

func TestResetAllForNewDay(t *testing.T) {
	acc, clock := newTestAccumulator(t)
	ctx := context.Background()

	for _, id := range []string{"l1", "l2"} {
		if err := acc.RecordUsage(ctx, id, 40*60); err != nil {
			t.Fatalf("RecordUsage(%s) error = %v", id, err)
		}
	}

	// Same day: nothing to roll.
	rolled, err := acc.ResetAllForNewDay(ctx)
	if err != nil {
		t.Fatalf("ResetAllForNewDay() error = %v", err)
	}
	if rolled != 0 {
		t.Errorf("ResetAllForNewDay() same day = %d, want 0", rolled)
	}

	clock.Advance(24 * time.Hour)
	rolled, err = acc.ResetAllForNewDay(ctx)
	if err != nil {
		t.Fatalf("ResetAllForNewDay() error = %v", err)
	}
	if rolled != 2 {
		t.Errorf("ResetAllForNewDay() = %d, want 2", rolled)
	}

	for _, id := range []string{"l1", "l2"} {
		minutes, _ := acc.UsageMinutes(ctx, id)
		if minutes != 0 {
			t.Errorf("UsageMinutes(%s) = %d, want 0", id, minutes)
		}
	}
}

func TestUsageMinutesUnknownLimitIsZero(t *testing.T) {
	acc, _ := newTestAccumulator(t)

	minutes, err := acc.UsageMinutes(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("UsageMinutes() error = %v", err)
	}
	if minutes != 0 {
		t.Errorf("UsageMinutes() = %d, want 0", minutes)
	}
}
