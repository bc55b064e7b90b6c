package identity

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/goodtune/timegate/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultCacheSize bounds the per-process resolution cache.
const DefaultCacheSize = 256

// Registration is the matching view of one limit record: its stable ID,
// its identity snapshot, and its best-known display name.
type Registration struct {
	LimitID     string
	DisplayName string
	Snapshot    Snapshot
}

// NameRecorder records a resolved display name for a limit so that
// name-based fallbacks in other processes become more likely to
// succeed. Implementations write-once-wins-if-empty.
type NameRecorder interface {
	RecordName(ctx context.Context, limitID, name string) error
}

// Resolver maps live handles to limit IDs. Resolution prefers a direct
// snapshot containment check against the freshly obtained handle; a
// lossy display-name fallback covers handles the host reissued with
// new token values. A failed resolution is routine, not an error: the
// observed usage stays unattributed and no limit is created implicitly.
type Resolver struct {
	names  NameRecorder
	cache  *lru.Cache[string, string]
	logger zerolog.Logger
}

// NewResolver creates a resolver with a bounded per-process cache.
func NewResolver(names NameRecorder, cacheSize int, logger zerolog.Logger) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		names:  names,
		cache:  cache,
		logger: logger.With().Str("component", "identity-resolver").Logger(),
	}, nil
}

// Resolve returns the limit ID matching the handle, or ok=false when
// the usage must be treated as unattributed. observedName is the
// host-reported display name for the handle, used for the lossy
// fallback and recorded on a successful handle match.
func (r *Resolver) Resolve(ctx context.Context, handle Handle, observedName string, regs []Registration) (string, bool) {
	if cached, ok := r.cache.Get(handle.Hash()); ok {
		if containsLimit(regs, cached) {
			return cached, true
		}
		r.cache.Remove(handle.Hash())
	}

	// Primary path: direct containment against the live handle.
	for _, reg := range regs {
		if reg.Snapshot.Contains(handle) {
			r.remember(ctx, handle, reg.LimitID, observedName)
			return reg.LimitID, true
		}
	}

	// Fallback path: normalized display-name match. Approximate by
	// design; it exists so usage survives host token churn, and its
	// confidence is never upgraded.
	if observedName != "" {
		for _, reg := range regs {
			if NamesMatch(observedName, reg.DisplayName) {
				metrics.NameFallbackMatches.Inc()
				r.logger.Debug().
					Str("limit_id", reg.LimitID).
					Str("observed_name", observedName).
					Msg("Resolved identity via name fallback")
				r.cache.Add(handle.Hash(), reg.LimitID)
				return reg.LimitID, true
			}
		}
	}

	metrics.IdentityMatchMisses.Inc()
	r.logger.Debug().
		Str("observed_name", observedName).
		Msg("No identity match, usage unattributed")
	return "", false
}

func (r *Resolver) remember(ctx context.Context, handle Handle, limitID, observedName string) {
	r.cache.Add(handle.Hash(), limitID)

	if observedName == "" || r.names == nil {
		return
	}
	if err := r.names.RecordName(ctx, limitID, observedName); err != nil {
		r.logger.Warn().Err(err).
			Str("limit_id", limitID).
			Msg("Failed to record resolved display name")
	}
}

func containsLimit(regs []Registration, limitID string) bool {
	for _, reg := range regs {
		if reg.LimitID == limitID {
			return true
		}
	}
	return false
}
