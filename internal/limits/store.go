// Package limits manages the authoritative registry of monitored
// applications. The shared store is the source of truth; every
// mutation is a read-modify-write of the whole list, and any in-memory
// view is treated as possibly stale the instant it is read.
package limits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/goodtune/timegate/internal/identity"
	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/goodtune/timegate/internal/storage"
	"github.com/rs/zerolog"
)

// Store exposes the limit registry operations.
type Store struct {
	sync     *sharedstate.Synchronizer
	resolver *identity.Resolver
	clock    sharedstate.Clock
	logger   zerolog.Logger
}

// Patch describes a partial update to a limit record. Nil fields are
// left unchanged.
type Patch struct {
	DisplayName       *string
	DailyLimitMinutes *int
	IsActive          *bool
}

// NewStore creates a limit store over the shared state.
func NewStore(sync *sharedstate.Synchronizer, resolver *identity.Resolver, logger zerolog.Logger) *Store {
	return &Store{
		sync:     sync,
		resolver: resolver,
		clock:    sync.Clock(),
		logger:   logger.With().Str("component", "limit-store").Logger(),
	}
}

// Create registers a new limit and returns its ID. Any existing record
// whose name collides case-insensitively is removed first: name
// collisions are last-writer-wins, an explicit simplification of the
// product rather than an accident to repair here.
func (s *Store) Create(ctx context.Context, name string, dailyLimitMinutes int, snapshot identity.Snapshot) (string, error) {
	if name == "" {
		return "", fmt.Errorf("limit name must not be empty")
	}
	if dailyLimitMinutes < 0 {
		return "", fmt.Errorf("daily limit must not be negative: %d", dailyLimitMinutes)
	}

	record := sharedstate.LimitRecord{
		ID:                uuid.NewString(),
		IdentitySnapshot:  snapshot,
		DisplayName:       name,
		DailyLimitMinutes: dailyLimitMinutes,
		IsActive:          true,
		CreatedAt:         s.clock.Now(),
	}

	err := s.sync.MutateLimits(ctx, func(limits []sharedstate.LimitRecord) ([]sharedstate.LimitRecord, error) {
		kept := limits[:0]
		for _, existing := range limits {
			if identity.NormalizeName(existing.DisplayName) == identity.NormalizeName(name) {
				s.logger.Info().
					Str("replaced_id", existing.ID).
					Str("name", name).
					Msg("Replacing limit with colliding name")
				continue
			}
			kept = append(kept, existing)
		}
		return append(kept, record), nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("limit_id", record.ID).
		Str("name", name).
		Int("daily_limit_minutes", dailyLimitMinutes).
		Msg("Created limit")
	return record.ID, nil
}

// Update applies a patch to an existing limit. The ID never changes.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	found := false
	err := s.sync.MutateLimits(ctx, func(limits []sharedstate.LimitRecord) ([]sharedstate.LimitRecord, error) {
		for i := range limits {
			if limits[i].ID != id {
				continue
			}
			found = true
			if patch.DisplayName != nil {
				limits[i].DisplayName = *patch.DisplayName
			}
			if patch.DailyLimitMinutes != nil {
				if *patch.DailyLimitMinutes < 0 {
					return nil, fmt.Errorf("daily limit must not be negative: %d", *patch.DailyLimitMinutes)
				}
				limits[i].DailyLimitMinutes = *patch.DailyLimitMinutes
			}
			if patch.IsActive != nil {
				limits[i].IsActive = *patch.IsActive
			}
			break
		}
		return limits, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("limit %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// Remove deletes a limit and its usage record.
func (s *Store) Remove(ctx context.Context, id string) error {
	found := false
	err := s.sync.MutateLimits(ctx, func(limits []sharedstate.LimitRecord) ([]sharedstate.LimitRecord, error) {
		kept := limits[:0]
		for _, record := range limits {
			if record.ID == id {
				found = true
				continue
			}
			kept = append(kept, record)
		}
		return kept, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("limit %s: %w", id, storage.ErrNotFound)
	}

	if err := s.sync.DeleteUsage(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("limit_id", id).Msg("Failed to delete usage record for removed limit")
	}
	return nil
}

// List returns the registry, optionally only enforced limits.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]sharedstate.LimitRecord, error) {
	limits, err := s.sync.LoadLimits(ctx)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return limits, nil
	}

	active := make([]sharedstate.LimitRecord, 0, len(limits))
	for _, record := range limits {
		if record.IsActive {
			active = append(active, record)
		}
	}
	return active, nil
}

// Get returns one limit by ID.
func (s *Store) Get(ctx context.Context, id string) (*sharedstate.LimitRecord, error) {
	limits, err := s.sync.LoadLimits(ctx)
	if err != nil {
		return nil, err
	}
	for i := range limits {
		if limits[i].ID == id {
			return &limits[i], nil
		}
	}
	return nil, fmt.Errorf("limit %s: %w", id, storage.ErrNotFound)
}

// FindByIdentity resolves a live handle to its limit record, or nil
// when the identity is unattributed. observedName feeds the lossy
// name fallback.
func (s *Store) FindByIdentity(ctx context.Context, handle identity.Handle, observedName string) (*sharedstate.LimitRecord, error) {
	limits, err := s.sync.LoadLimits(ctx)
	if err != nil {
		return nil, err
	}

	regs, err := s.registrations(ctx, limits)
	if err != nil {
		return nil, err
	}

	limitID, ok := s.resolver.Resolve(ctx, handle, observedName, regs)
	if !ok {
		return nil, nil
	}
	for i := range limits {
		if limits[i].ID == limitID {
			return &limits[i], nil
		}
	}
	return nil, nil
}

// FindByName returns the limit matching a display name under the
// normalized comparison, or nil.
func (s *Store) FindByName(ctx context.Context, name string) (*sharedstate.LimitRecord, error) {
	limits, err := s.sync.LoadLimits(ctx)
	if err != nil {
		return nil, err
	}
	for i := range limits {
		if identity.NormalizeName(limits[i].DisplayName) == identity.NormalizeName(name) {
			return &limits[i], nil
		}
	}
	return nil, nil
}

// Registrations returns the matching view of the registry, merging the
// shared name map's best-known names over placeholder display names.
func (s *Store) Registrations(ctx context.Context) ([]identity.Registration, error) {
	limits, err := s.sync.LoadLimits(ctx)
	if err != nil {
		return nil, err
	}
	return s.registrations(ctx, limits)
}

func (s *Store) registrations(ctx context.Context, limits []sharedstate.LimitRecord) ([]identity.Registration, error) {
	names, err := s.sync.Names(ctx)
	if err != nil {
		return nil, err
	}

	regs := make([]identity.Registration, 0, len(limits))
	for _, record := range limits {
		name := record.DisplayName
		if better, ok := names[record.ID]; ok && better != "" {
			name = better
		}
		regs = append(regs, identity.Registration{
			LimitID:     record.ID,
			DisplayName: name,
			Snapshot:    record.IdentitySnapshot,
		})
	}
	return regs, nil
}
