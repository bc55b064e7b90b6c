// Package shield governs the lifecycle of a blocked-app episode:
// blocked, puzzle-requested, granted, temporarily unblocked, and
// re-blocked. The block-screen process, the main application, and the
// monitor never run at the same time and cannot call each other; the
// episode fragments in the shared store are the whole handshake.
package shield

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/rs/zerolog"
)

// DefaultRequestStaleness bounds how long a puzzle request with no
// grant is considered live before a newer request may supersede it.
const DefaultRequestStaleness = 10 * time.Minute

// Enforcer is the host-controlled enforcement layer. ApplyBlock and
// LiftBlock are idempotent on the host side; timegate only decides
// when to call them.
type Enforcer interface {
	ApplyBlock(ctx context.Context, identityHash string) error
	LiftBlock(ctx context.Context, identityHash string) error
}

// Config holds shield controller settings.
type Config struct {
	RequestStaleness     time.Duration
	DefaultExtendMinutes int
}

// Controller drives the unlock state machine over the shared store.
type Controller struct {
	sync     *sharedstate.Synchronizer
	enforcer Enforcer
	clock    sharedstate.Clock
	cfg      Config
	logger   zerolog.Logger
}

// NewController creates a shield controller.
func NewController(sync *sharedstate.Synchronizer, enforcer Enforcer, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.RequestStaleness == 0 {
		cfg.RequestStaleness = DefaultRequestStaleness
	}
	if cfg.DefaultExtendMinutes == 0 {
		cfg.DefaultExtendMinutes = 15
	}
	return &Controller{
		sync:     sync,
		enforcer: enforcer,
		clock:    sync.Clock(),
		cfg:      cfg,
		logger:   logger.With().Str("component", "shield").Logger(),
	}
}

// EvaluateBlock checks one limit against its usage and applies the
// block when the threshold is met (inclusive), unless a live grant
// window covers the identity. Returns whether the app is blocked.
func (c *Controller) EvaluateBlock(ctx context.Context, limitID, identityHash, displayName string, usedMinutes, dailyLimitMinutes int) (bool, error) {
	if usedMinutes < dailyLimitMinutes {
		return false, nil
	}

	grant, err := c.activeGrantFor(ctx, limitID, identityHash)
	if err != nil {
		return false, err
	}
	if grant != nil {
		return false, nil
	}

	if err := c.enforcer.ApplyBlock(ctx, identityHash); err != nil {
		return false, fmt.Errorf("apply block: %w", err)
	}
	metrics.BlocksApplied.WithLabelValues("threshold").Inc()
	c.logger.Info().
		Str("limit_id", limitID).
		Str("name", displayName).
		Int("used_minutes", usedMinutes).
		Int("daily_limit_minutes", dailyLimitMinutes).
		Msg("Threshold reached, block applied")
	return true, nil
}

// RequestPuzzle records that the user chose "solve a puzzle" on the
// block screen. The host may invoke the handler more than once for the
// same tap, so the write is idempotent per identity hash; a failure is
// returned so the action can be presented as failed and retryable
// instead of silently accepted. limitID may be empty when the shield
// process could not attribute the identity; the name guess still lets
// the main process present the puzzle.
func (c *Controller) RequestPuzzle(ctx context.Context, identityHash, nameGuess, limitID string) error {
	episode := sharedstate.UnlockEpisode{
		State:        sharedstate.EpisodePuzzleRequested,
		IdentityHash: identityHash,
		LimitID:      limitID,
		DisplayName:  nameGuess,
		RequestedAt:  c.clock.Now(),
	}

	if err := c.sync.PutRequest(ctx, episode, c.cfg.RequestStaleness); err != nil {
		metrics.PuzzleRequests.WithLabelValues("failed").Inc()
		return fmt.Errorf("write puzzle request: %w", err)
	}

	c.logger.Info().
		Str("identity_hash", identityHash).
		Str("name_guess", nameGuess).
		Msg("Puzzle requested")
	return nil
}

// PendingRequests lists puzzle requests awaiting the main process.
func (c *Controller) PendingRequests(ctx context.Context) ([]sharedstate.UnlockEpisode, error) {
	return c.sync.PendingRequests(ctx)
}

// Decline discards the episode for a user who chose "stay blocked".
// No state changes; the app remains blocked.
func (c *Controller) Decline(ctx context.Context, identityHash string) error {
	if err := c.sync.DeleteRequest(ctx, identityHash); err != nil {
		return fmt.Errorf("discard puzzle request: %w", err)
	}
	c.logger.Info().Str("identity_hash", identityHash).Msg("User stayed blocked, episode discarded")
	return nil
}

// ApplyGrant records a solved puzzle: it writes the grant fragment,
// clears the pending request, and lifts the block. For
// extend-by-minutes the grant carries a fixed expiry; one-session
// grants stay open until the app is backgrounded.
func (c *Controller) ApplyGrant(ctx context.Context, identityHash string, mode sharedstate.GrantMode, extendBy time.Duration) (sharedstate.UnlockEpisode, error) {
	now := c.clock.Now()
	episode := sharedstate.UnlockEpisode{
		State:        sharedstate.EpisodeActiveGrant,
		IdentityHash: identityHash,
		SourceMode:   mode,
		GrantedAt:    now,
	}

	if request, err := c.sync.GetRequest(ctx, identityHash); err == nil && request != nil {
		episode.DisplayName = request.DisplayName
		episode.LimitID = request.LimitID
		episode.RequestedAt = request.RequestedAt
	}

	switch mode {
	case sharedstate.GrantExtendByMinutes:
		if extendBy <= 0 {
			extendBy = time.Duration(c.cfg.DefaultExtendMinutes) * time.Minute
		}
		episode.GrantExpiresAt = now.Add(extendBy)
	case sharedstate.GrantOneSession:
		// Open-ended until NoteBackgrounded.
	default:
		return sharedstate.UnlockEpisode{}, fmt.Errorf("unknown grant mode: %s", mode)
	}

	if err := c.sync.PutGrant(ctx, episode); err != nil {
		return sharedstate.UnlockEpisode{}, fmt.Errorf("write grant: %w", err)
	}
	if err := c.sync.DeleteRequest(ctx, identityHash); err != nil {
		c.logger.Warn().Err(err).Str("identity_hash", identityHash).Msg("Failed to clear fulfilled puzzle request")
	}

	if err := c.enforcer.LiftBlock(ctx, identityHash); err != nil {
		return sharedstate.UnlockEpisode{}, fmt.Errorf("lift block: %w", err)
	}

	metrics.GrantsIssued.WithLabelValues(string(mode)).Inc()
	metrics.BlocksLifted.Inc()
	c.logger.Info().
		Str("identity_hash", identityHash).
		Str("mode", string(mode)).
		Time("expires_at", episode.GrantExpiresAt).
		Msg("Grant applied, block lifted")
	return episode, nil
}

// NoteBackgrounded ends a one-session grant when the app leaves the
// foreground. Extend-by-minutes grants are unaffected; they end by
// expiry in the sweep.
func (c *Controller) NoteBackgrounded(ctx context.Context, identityHash string) error {
	grant, err := c.sync.GetGrant(ctx, identityHash)
	if err != nil {
		return err
	}
	if grant == nil || grant.SourceMode != sharedstate.GrantOneSession {
		return nil
	}
	return c.expireGrant(ctx, *grant, "session_ended")
}

// Sweep re-blocks expired grant windows and drops abandoned episode
// fragments. It runs opportunistically whenever any process is active;
// there is no guaranteed timer, so missing a pass only delays the
// re-block until the next access.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	now := c.clock.Now()
	reblocked := 0

	grants, err := c.sync.Grants(ctx)
	if err != nil {
		return 0, err
	}
	for _, grant := range grants {
		if grant.State != sharedstate.EpisodeActiveGrant || !grant.ExpiredAt(now) {
			continue
		}
		if err := c.expireGrant(ctx, grant, "grant_expired"); err != nil {
			c.logger.Error().Err(err).Str("identity_hash", grant.IdentityHash).Msg("Failed to re-block expired grant")
			continue
		}
		reblocked++
	}

	// Requests never outlive the day they were raised; a request with
	// no grant after the staleness window is abandoned.
	requests, err := c.sync.PendingRequests(ctx)
	if err != nil {
		return reblocked, err
	}
	for _, request := range requests {
		stale := now.Sub(request.RequestedAt) > c.cfg.RequestStaleness
		oldDay := sharedstate.DayOf(request.RequestedAt) != sharedstate.DayOf(now)
		if !stale && !oldDay {
			continue
		}
		if err := c.sync.DeleteRequest(ctx, request.IdentityHash); err != nil {
			c.logger.Warn().Err(err).Str("identity_hash", request.IdentityHash).Msg("Failed to drop abandoned puzzle request")
			continue
		}
		c.logger.Debug().
			Str("identity_hash", request.IdentityHash).
			Time("requested_at", request.RequestedAt).
			Msg("Dropped abandoned puzzle request")
	}

	return reblocked, nil
}

// expireGrant removes the fragment first, then re-applies enforcement:
// the fragment deletion is the state transition, so a concurrent sweep
// in another process finds nothing to expire and the block is applied
// once per expiry.
func (c *Controller) expireGrant(ctx context.Context, grant sharedstate.UnlockEpisode, reason string) error {
	if err := c.sync.DeleteGrant(ctx, grant.IdentityHash); err != nil {
		return fmt.Errorf("clear grant: %w", err)
	}
	if err := c.enforcer.ApplyBlock(ctx, grant.IdentityHash); err != nil {
		return fmt.Errorf("re-apply block: %w", err)
	}

	metrics.GrantsExpired.Inc()
	metrics.BlocksApplied.WithLabelValues(reason).Inc()
	c.logger.Info().
		Str("identity_hash", grant.IdentityHash).
		Str("reason", reason).
		Msg("Grant window ended, block re-applied")
	return nil
}

// activeGrantFor finds a live grant covering a limit, matching by
// limit ID when the grant carries one and falling back to the episode
// hash. Hash equality is only meaningful within the process that wrote
// it, which is why limit ID is preferred whenever attribution
// succeeded.
func (c *Controller) activeGrantFor(ctx context.Context, limitID, identityHash string) (*sharedstate.UnlockEpisode, error) {
	grants, err := c.sync.Grants(ctx)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	for i := range grants {
		grant := grants[i]
		if grant.State != sharedstate.EpisodeActiveGrant || grant.ExpiredAt(now) {
			continue
		}
		if (limitID != "" && grant.LimitID == limitID) || grant.IdentityHash == identityHash {
			return &grants[i], nil
		}
	}
	return nil, nil
}
