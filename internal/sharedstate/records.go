package sharedstate

import (
	"time"

	"github.com/goodtune/timegate/internal/identity"
)

// LimitRecord is one monitored application: the authoritative,
// persisted registry entry. ID never changes once assigned, even when
// the display name or threshold is edited.
type LimitRecord struct {
	ID                string            `json:"id"`
	IdentitySnapshot  identity.Snapshot `json:"identity_snapshot"`
	DisplayName       string            `json:"display_name"`
	DailyLimitMinutes int               `json:"daily_limit_minutes"`
	IsActive          bool              `json:"is_active"`
	CreatedAt         time.Time         `json:"created_at"`
}

// UsageRecord tracks one limit's usage for the current day. Two
// counters absorb the two usage sources: SnapshotSeconds is the last
// authoritative total written by the reporter, RunningSeconds is the
// running total maintained by monitor deltas. A snapshot raises the
// running baseline so deltas recorded before it are never counted
// twice; readers take the maximum of the two.
type UsageRecord struct {
	SnapshotSeconds int64     `json:"snapshot_seconds"`
	RunningSeconds  int64     `json:"running_seconds"`
	LastResetDate   string    `json:"last_reset_date"`
	SnapshotAt      time.Time `json:"snapshot_at,omitzero"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// EffectiveSeconds returns today's usage in whole seconds.
func (u UsageRecord) EffectiveSeconds() int64 {
	if u.SnapshotSeconds > u.RunningSeconds {
		return u.SnapshotSeconds
	}
	return u.RunningSeconds
}

// Minutes returns today's usage in whole minutes, floored.
func (u UsageRecord) Minutes() int {
	return int(u.EffectiveSeconds() / 60)
}

// EpisodeState is the lifecycle state of one blocked-app episode.
type EpisodeState string

const (
	EpisodeBlocked         EpisodeState = "blocked"
	EpisodePuzzleRequested EpisodeState = "puzzle_requested"
	EpisodeGranted         EpisodeState = "granted"
	EpisodeActiveGrant     EpisodeState = "active_grant_window"
	EpisodeExpired         EpisodeState = "expired"
)

// GrantMode selects the override policy applied by a grant.
type GrantMode string

const (
	// GrantExtendByMinutes lifts the block until a fixed future time.
	GrantExtendByMinutes GrantMode = "extend_by_minutes"

	// GrantOneSession lifts the block until the app leaves the
	// foreground; the grant carries no expiry timestamp.
	GrantOneSession GrantMode = "one_session_only"
)

// UnlockEpisode is the ephemeral record of one block/puzzle/grant
// cycle, keyed in the store by the identity hash of the blocked app.
// The hash is only an episode key for the current day; LimitID, when
// set, is the durable attribution.
type UnlockEpisode struct {
	State          EpisodeState `json:"state"`
	IdentityHash   string       `json:"identity_hash"`
	LimitID        string       `json:"limit_id,omitempty"`
	DisplayName    string       `json:"display_name,omitempty"`
	SourceMode     GrantMode    `json:"source_mode,omitempty"`
	RequestedAt    time.Time    `json:"requested_at,omitzero"`
	GrantedAt      time.Time    `json:"granted_at,omitzero"`
	GrantExpiresAt time.Time    `json:"grant_expires_at,omitzero"`
}

// ExpiredAt reports whether the grant window has ended at the given
// time. One-session grants carry no expiry and only end when the app
// is backgrounded, so they never expire by clock alone; any grant from
// a previous day is expired regardless of mode.
func (e UnlockEpisode) ExpiredAt(now time.Time) bool {
	if !e.GrantedAt.IsZero() && DayOf(e.GrantedAt) != DayOf(now) {
		return true
	}
	if e.SourceMode == GrantOneSession {
		return false
	}
	return !e.GrantExpiresAt.IsZero() && now.After(e.GrantExpiresAt)
}

// PerAppUsage is one entry of the published per-app aggregate.
type PerAppUsage struct {
	LimitID     string `json:"limit_id"`
	DisplayName string `json:"display_name"`
	Minutes     int    `json:"minutes"`
}
