// Package usage accumulates per-limit screen time with automatic
// day-boundary rollover. There is no scheduled midnight reset: any of
// the four processes may be the first to observe a new day, so the
// rollover check runs on every access point independently and stale
// totals are corrected lazily.
package usage

import (
	"context"

	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/rs/zerolog"
)

// Source labels for recorded usage metrics.
const (
	sourceSnapshot = "snapshot"
	sourceDelta    = "delta"
)

// Accumulator tracks elapsed usage per limit ID. It is fed by two
// sources: the reporter's periodic authoritative totals and the
// monitor's small incremental deltas between them. Totals only move
// forward within a day.
type Accumulator struct {
	sync   *sharedstate.Synchronizer
	clock  sharedstate.Clock
	logger zerolog.Logger
}

// NewAccumulator creates an accumulator over the shared state.
func NewAccumulator(sync *sharedstate.Synchronizer, logger zerolog.Logger) *Accumulator {
	return &Accumulator{
		sync:   sync,
		clock:  sync.Clock(),
		logger: logger.With().Str("component", "usage-accumulator").Logger(),
	}
}

// RecordUsage adds an incremental delta from the monitoring process.
// Negative deltas are ignored: usage is monotonic within a day.
func (a *Accumulator) RecordUsage(ctx context.Context, limitID string, deltaSeconds int64) error {
	if deltaSeconds <= 0 {
		return nil
	}
	return a.sync.MutateUsage(ctx, limitID, func(record sharedstate.UsageRecord) (sharedstate.UsageRecord, error) {
		record = a.rollover(record, limitID)
		record.RunningSeconds += deltaSeconds
		record.UpdatedAt = a.clock.Now()

		metrics.UsageSecondsRecorded.WithLabelValues(limitID, sourceDelta).Add(float64(deltaSeconds))
		return record, nil
	})
}

// SetUsage applies an authoritative total for today from the reporting
// process. The snapshot supersedes deltas recorded before it: the
// running counter is raised to at least the snapshot, so those deltas
// are never counted twice, and later deltas continue on top of it.
func (a *Accumulator) SetUsage(ctx context.Context, limitID string, totalSeconds int64) error {
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	return a.sync.MutateUsage(ctx, limitID, func(record sharedstate.UsageRecord) (sharedstate.UsageRecord, error) {
		record = a.rollover(record, limitID)

		if totalSeconds > record.SnapshotSeconds {
			metrics.UsageSecondsRecorded.WithLabelValues(limitID, sourceSnapshot).
				Add(float64(totalSeconds - record.SnapshotSeconds))
			record.SnapshotSeconds = totalSeconds
		}
		if record.SnapshotSeconds > record.RunningSeconds {
			record.RunningSeconds = record.SnapshotSeconds
		}
		record.SnapshotAt = a.clock.Now()
		record.UpdatedAt = record.SnapshotAt
		return record, nil
	})
}

// UsageMinutes returns today's usage in whole minutes. Reading a record
// from a previous day rolls it forward first and returns zero; no
// stale total is ever reported for a new day.
func (a *Accumulator) UsageMinutes(ctx context.Context, limitID string) (int, error) {
	record, err := a.Usage(ctx, limitID)
	if err != nil {
		return 0, err
	}
	return record.Minutes(), nil
}

// Usage returns today's usage record, rolling it forward first if it
// belongs to a previous day.
func (a *Accumulator) Usage(ctx context.Context, limitID string) (sharedstate.UsageRecord, error) {
	record, err := a.sync.LoadUsage(ctx, limitID)
	if err != nil {
		return sharedstate.UsageRecord{}, err
	}

	if !a.stale(record) {
		return record, nil
	}

	// Persist the rollover so every later reader starts from zero even
	// if this process is killed right after returning.
	var rolled sharedstate.UsageRecord
	err = a.sync.MutateUsage(ctx, limitID, func(current sharedstate.UsageRecord) (sharedstate.UsageRecord, error) {
		rolled = a.rollover(current, limitID)
		return rolled, nil
	})
	if err != nil {
		return sharedstate.UsageRecord{}, err
	}
	return rolled, nil
}

// ResetAllForNewDay rolls every known usage record forward and returns
// how many records were actually rolled. The sweep is opportunistic;
// lazy rollover on access remains the safety net.
func (a *Accumulator) ResetAllForNewDay(ctx context.Context) (int, error) {
	ids, err := a.sync.UsageLimitIDs(ctx)
	if err != nil {
		return 0, err
	}
	rolled := 0
	for _, id := range ids {
		err := a.sync.MutateUsage(ctx, id, func(record sharedstate.UsageRecord) (sharedstate.UsageRecord, error) {
			if a.stale(record) || record.LastResetDate == "" {
				rolled++
			}
			return a.rollover(record, id), nil
		})
		if err != nil {
			return rolled, err
		}
	}
	return rolled, nil
}

func (a *Accumulator) stale(record sharedstate.UsageRecord) bool {
	return record.LastResetDate != "" && record.LastResetDate < sharedstate.DayOf(a.clock.Now())
}

// rollover zeroes the record when its day is strictly earlier than
// today, before any requested mutation is applied.
func (a *Accumulator) rollover(record sharedstate.UsageRecord, limitID string) sharedstate.UsageRecord {
	today := sharedstate.DayOf(a.clock.Now())
	if record.LastResetDate == "" {
		return sharedstate.UsageRecord{LastResetDate: today}
	}
	// Only roll when today is strictly later. A record stamped with a
	// future day (clock skew) is left alone and corrects itself once
	// the clock catches up.
	if record.LastResetDate >= today {
		return record
	}

	a.logger.Info().
		Str("limit_id", limitID).
		Str("from", record.LastResetDate).
		Str("to", today).
		Msg("Rolling usage over to new day")
	metrics.UsageRollovers.Inc()

	return sharedstate.UsageRecord{LastResetDate: today}
}
