// Package sharedstate implements the disciplined read/write protocol
// the four timegate processes use over the shared key-value store.
// None of them run as a long-lived owner: every value read here may be
// stale the instant it is returned, and every write may be interleaved
// with another process's burst. Mutations therefore always
// read-modify-write whole aggregate records, and each protocol step is
// idempotent, monotonic, or corrected lazily on the next access.
package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/storage"
	"github.com/rs/zerolog"
)

// Synchronizer is the typed protocol layer over the raw shared store.
type Synchronizer struct {
	kv     storage.KV
	clock  Clock
	logger zerolog.Logger
}

// New creates a synchronizer over the given store.
func New(kv storage.KV, clock Clock, logger zerolog.Logger) *Synchronizer {
	if clock == nil {
		clock = RealClock{}
	}
	return &Synchronizer{
		kv:     kv,
		clock:  clock,
		logger: logger.With().Str("component", "sharedstate").Logger(),
	}
}

// Clock returns the synchronizer's clock.
func (s *Synchronizer) Clock() Clock { return s.clock }

// Ping probes the shared store so callers can distinguish "storage
// unreachable" from "nothing configured".
func (s *Synchronizer) Ping(ctx context.Context) error {
	_, err := s.kv.Get(ctx, KeyLimits)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		metrics.StorageUnavailable.Inc()
		return err
	}
	return nil
}

// LoadLimits returns the persisted limit list. One undecodable entry
// is dropped and logged; it never invalidates the rest of the list.
func (s *Synchronizer) LoadLimits(ctx context.Context) ([]LimitRecord, error) {
	data, err := s.kv.Get(ctx, KeyLimits)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []LimitRecord{}, nil
		}
		metrics.StorageUnavailable.Inc()
		return nil, err
	}
	return s.decodeLimits(data), nil
}

// MutateLimits applies fn to the whole limit list under the
// read-modify-write discipline and persists the result.
func (s *Synchronizer) MutateLimits(ctx context.Context, fn func([]LimitRecord) ([]LimitRecord, error)) error {
	err := s.kv.Update(ctx, KeyLimits, func(current []byte) ([]byte, error) {
		limits := s.decodeLimits(current)
		next, err := fn(limits)
		if err != nil {
			return nil, err
		}
		return encodeLimits(next)
	})
	if err != nil && errors.Is(err, storage.ErrUnavailable) {
		metrics.StorageUnavailable.Inc()
	}
	return err
}

func (s *Synchronizer) decodeLimits(data []byte) []LimitRecord {
	if len(data) == 0 {
		return []LimitRecord{}
	}

	// The list is stored as raw entries so a single truncated record
	// (a process killed mid-write) costs one entry, not the registry.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Error().Err(err).Msg("Limit list undecodable, treating as empty")
		metrics.MalformedRecordsDropped.WithLabelValues("limits").Inc()
		return []LimitRecord{}
	}

	limits := make([]LimitRecord, 0, len(raw))
	for i, entry := range raw {
		var record LimitRecord
		if err := json.Unmarshal(entry, &record); err != nil || record.ID == "" {
			s.logger.Warn().Err(err).Int("index", i).Msg("Dropping malformed limit record")
			metrics.MalformedRecordsDropped.WithLabelValues("limits").Inc()
			continue
		}
		limits = append(limits, record)
	}
	return limits
}

func encodeLimits(limits []LimitRecord) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(limits))
	for _, record := range limits {
		entry, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("marshal limit %s: %w", record.ID, err)
		}
		raw = append(raw, entry)
	}
	return json.Marshal(raw)
}

// LoadUsage returns the usage record for a limit; a missing record is
// an empty record, not an error.
func (s *Synchronizer) LoadUsage(ctx context.Context, limitID string) (UsageRecord, error) {
	data, err := s.kv.Get(ctx, UsageKey(limitID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return UsageRecord{}, nil
		}
		metrics.StorageUnavailable.Inc()
		return UsageRecord{}, err
	}

	var record UsageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn().Err(err).Str("limit_id", limitID).Msg("Dropping malformed usage record")
		metrics.MalformedRecordsDropped.WithLabelValues("usage").Inc()
		return UsageRecord{}, nil
	}
	return record, nil
}

// MutateUsage applies fn to a limit's whole usage record.
func (s *Synchronizer) MutateUsage(ctx context.Context, limitID string, fn func(UsageRecord) (UsageRecord, error)) error {
	err := s.kv.Update(ctx, UsageKey(limitID), func(current []byte) ([]byte, error) {
		var record UsageRecord
		if len(current) > 0 {
			if err := json.Unmarshal(current, &record); err != nil {
				s.logger.Warn().Err(err).Str("limit_id", limitID).Msg("Replacing malformed usage record")
				metrics.MalformedRecordsDropped.WithLabelValues("usage").Inc()
				record = UsageRecord{}
			}
		}
		next, err := fn(record)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
	if err != nil && errors.Is(err, storage.ErrUnavailable) {
		metrics.StorageUnavailable.Inc()
	}
	return err
}

// UsageLimitIDs lists every limit ID that has a usage record.
func (s *Synchronizer) UsageLimitIDs(ctx context.Context) ([]string, error) {
	items, err := s.kv.List(ctx, usageKeyPrefix)
	if err != nil {
		metrics.StorageUnavailable.Inc()
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for key := range items {
		ids = append(ids, key[len(usageKeyPrefix):])
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteUsage removes a limit's usage record.
func (s *Synchronizer) DeleteUsage(ctx context.Context, limitID string) error {
	return s.kv.Delete(ctx, UsageKey(limitID))
}

// Names returns the shared limit-id to display-name map.
func (s *Synchronizer) Names(ctx context.Context) (map[string]string, error) {
	data, err := s.kv.Get(ctx, KeyNameMap)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return map[string]string{}, nil
		}
		metrics.StorageUnavailable.Inc()
		return nil, err
	}

	names := make(map[string]string)
	if err := json.Unmarshal(data, &names); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed name map")
		metrics.MalformedRecordsDropped.WithLabelValues("name_map").Inc()
		return map[string]string{}, nil
	}
	return names, nil
}

// RecordName records the display name resolved for a limit. Entries
// are write-once-wins-if-empty: the first process to observe real
// usage for an identity fixes the name, later observations never
// overwrite it. A lost race between two first writers is harmless
// since both observed the same application.
func (s *Synchronizer) RecordName(ctx context.Context, limitID, name string) error {
	if limitID == "" || name == "" {
		return nil
	}
	return s.kv.Update(ctx, KeyNameMap, func(current []byte) ([]byte, error) {
		names := make(map[string]string)
		if len(current) > 0 {
			if err := json.Unmarshal(current, &names); err != nil {
				names = map[string]string{}
			}
		}
		if existing, ok := names[limitID]; ok && existing != "" {
			return current, nil
		}
		names[limitID] = name
		return json.Marshal(names)
	})
}

// PutRequest writes a puzzle-requested episode fragment. The write is
// idempotent per identity hash: a live pending request for the same
// identity is left untouched so a host-side handler retry cannot
// double-trigger puzzle presentation. A pending request older than
// staleness is abandoned and overwritten by the newer request, never
// merged.
func (s *Synchronizer) PutRequest(ctx context.Context, episode UnlockEpisode, staleness time.Duration) error {
	if episode.IdentityHash == "" {
		return fmt.Errorf("puzzle request without identity hash")
	}
	episode.State = EpisodePuzzleRequested

	return s.kv.Update(ctx, requestKey(episode.IdentityHash), func(current []byte) ([]byte, error) {
		if len(current) > 0 {
			var existing UnlockEpisode
			if err := json.Unmarshal(current, &existing); err == nil &&
				existing.State == EpisodePuzzleRequested &&
				existing.IdentityHash == episode.IdentityHash &&
				s.clock.Now().Sub(existing.RequestedAt) < staleness {
				metrics.PuzzleRequests.WithLabelValues("duplicate").Inc()
				return current, nil
			}
		}
		metrics.PuzzleRequests.WithLabelValues("written").Inc()
		return json.Marshal(episode)
	})
}

// GetRequest returns the pending request for an identity hash, if any.
func (s *Synchronizer) GetRequest(ctx context.Context, identityHash string) (*UnlockEpisode, error) {
	return s.getEpisode(ctx, requestKey(identityHash))
}

// PendingRequests lists all pending puzzle requests. The main process
// polls this on foreground/resume; malformed fragments are dropped.
func (s *Synchronizer) PendingRequests(ctx context.Context) ([]UnlockEpisode, error) {
	return s.listEpisodes(ctx, requestKeyPrefix)
}

// DeleteRequest clears a pending request fragment.
func (s *Synchronizer) DeleteRequest(ctx context.Context, identityHash string) error {
	return s.kv.Delete(ctx, requestKey(identityHash))
}

// PutGrant writes a grant fragment for an identity hash.
func (s *Synchronizer) PutGrant(ctx context.Context, episode UnlockEpisode) error {
	if episode.IdentityHash == "" {
		return fmt.Errorf("grant without identity hash")
	}
	data, err := json.Marshal(episode)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	if err := s.kv.Put(ctx, grantKey(episode.IdentityHash), data); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			metrics.StorageUnavailable.Inc()
		}
		return err
	}
	return nil
}

// GetGrant returns the grant for an identity hash, if any. Absence
// means no grant is in flight.
func (s *Synchronizer) GetGrant(ctx context.Context, identityHash string) (*UnlockEpisode, error) {
	return s.getEpisode(ctx, grantKey(identityHash))
}

// Grants lists all live grant fragments.
func (s *Synchronizer) Grants(ctx context.Context) ([]UnlockEpisode, error) {
	return s.listEpisodes(ctx, grantKeyPrefix)
}

// DeleteGrant clears a grant fragment.
func (s *Synchronizer) DeleteGrant(ctx context.Context, identityHash string) error {
	return s.kv.Delete(ctx, grantKey(identityHash))
}

func (s *Synchronizer) getEpisode(ctx context.Context, key string) (*UnlockEpisode, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		metrics.StorageUnavailable.Inc()
		return nil, err
	}

	var episode UnlockEpisode
	if err := json.Unmarshal(data, &episode); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Dropping malformed episode fragment")
		metrics.MalformedRecordsDropped.WithLabelValues("episode").Inc()
		return nil, nil
	}
	return &episode, nil
}

func (s *Synchronizer) listEpisodes(ctx context.Context, prefix string) ([]UnlockEpisode, error) {
	items, err := s.kv.List(ctx, prefix)
	if err != nil {
		metrics.StorageUnavailable.Inc()
		return nil, err
	}

	episodes := make([]UnlockEpisode, 0, len(items))
	for key, data := range items {
		var episode UnlockEpisode
		if err := json.Unmarshal(data, &episode); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Dropping malformed episode fragment")
			metrics.MalformedRecordsDropped.WithLabelValues("episode").Inc()
			continue
		}
		episodes = append(episodes, episode)
	}

	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].RequestedAt.Before(episodes[j].RequestedAt)
	})
	return episodes, nil
}

// PublishAggregates writes the dashboard aggregates. These are derived,
// write-only values from this core's perspective; the dashboard owns
// their interpretation.
func (s *Synchronizer) PublishAggregates(ctx context.Context, totalMinutes int, perApp []PerAppUsage) error {
	total, err := json.Marshal(totalMinutes)
	if err != nil {
		return fmt.Errorf("marshal total usage: %w", err)
	}
	if err := s.kv.Put(ctx, KeyTotalUsageToday, total); err != nil {
		return err
	}

	apps, err := json.Marshal(perApp)
	if err != nil {
		return fmt.Errorf("marshal per-app usage: %w", err)
	}
	return s.kv.Put(ctx, KeyPerAppUsageToday, apps)
}

// Aggregates reads back the last published dashboard values. Missing
// keys mean the reporter has not run yet.
func (s *Synchronizer) Aggregates(ctx context.Context) (int, []PerAppUsage, error) {
	total := 0
	if data, err := s.kv.Get(ctx, KeyTotalUsageToday); err == nil {
		if err := json.Unmarshal(data, &total); err != nil {
			total = 0
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		metrics.StorageUnavailable.Inc()
		return 0, nil, err
	}

	perApp := []PerAppUsage{}
	if data, err := s.kv.Get(ctx, KeyPerAppUsageToday); err == nil {
		if err := json.Unmarshal(data, &perApp); err != nil {
			metrics.MalformedRecordsDropped.WithLabelValues("aggregates").Inc()
			perApp = []PerAppUsage{}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		metrics.StorageUnavailable.Inc()
		return 0, nil, err
	}

	return total, perApp, nil
}
