package memory

import (
	"context"
	"sync"
	"time"

	"github.com/opendatanet/harvester/internal/harvest"
)

// EntityStore is an in-memory persistence adapter for development and tests.
// Writes are serialized under one mutex, which trivially satisfies the
// per-identity compare-and-set requirement.
type EntityStore struct {
	mu       sync.RWMutex
	entities map[string]harvest.PersistedEntity
	clock    harvest.Clock
}

// NewEntityStore constructs an empty EntityStore.
func NewEntityStore(clock harvest.Clock) *EntityStore {
	return &EntityStore{
		entities: make(map[string]harvest.PersistedEntity),
		clock:    clock,
	}
}

// FindByIdentity looks up an entity by identity digest.
func (s *EntityStore) FindByIdentity(_ context.Context, digest string) (harvest.PersistedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[digest]
	if !ok {
		return harvest.PersistedEntity{}, harvest.ErrNotFound
	}
	return cloneEntity(entity), nil
}

// UpsertBatch applies each outcome atomically on its own. Create and Update
// converge on the same conditional write: field values are applied only when
// the stored content digest differs, so a stale update racing a fresher one
// degrades to a timestamp touch instead of clobbering it.
func (s *EntityStore) UpsertBatch(_ context.Context, outcomes []harvest.Outcome) ([]harvest.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	results := make([]harvest.UpsertResult, len(outcomes))
	for i, outcome := range outcomes {
		s.apply(outcome, now)
		results[i] = harvest.UpsertResult{Index: i, Status: harvest.UpsertApplied}
	}
	return results, nil
}

func (s *EntityStore) apply(outcome harvest.Outcome, now time.Time) {
	incoming := outcome.Entity
	existing, ok := s.entities[incoming.IdentityDigest]
	if !ok {
		incoming = cloneEntity(incoming)
		incoming.Status = harvest.EntityActive
		incoming.CreatedAt = now
		incoming.UpdatedAt = now
		incoming.LastSeenAt = now
		s.entities[incoming.IdentityDigest] = incoming
		return
	}

	// Re-sighting always advances the touch timestamp, the job back-reference
	// and reactivates archived entities.
	existing.LastSeenAt = now
	existing.JobID = incoming.JobID
	existing.Status = harvest.EntityActive
	if outcome.Kind != harvest.OutcomeUnchanged && existing.ContentDigest != incoming.ContentDigest {
		existing.ContentDigest = incoming.ContentDigest
		existing.Title = incoming.Title
		existing.Description = incoming.Description
		existing.Tags = append([]string(nil), incoming.Tags...)
		existing.UpdatedAt = now
	}
	s.entities[incoming.IdentityDigest] = existing
}

// ArchiveUnseen archives active entities of the source whose last touch came
// from an earlier job.
func (s *EntityStore) ArchiveUnseen(_ context.Context, source, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var archived int64
	for digest, entity := range s.entities {
		if entity.Source != source || entity.Status != harvest.EntityActive || entity.JobID == jobID {
			continue
		}
		entity.Status = harvest.EntityArchived
		entity.UpdatedAt = now
		s.entities[digest] = entity
		archived++
	}
	return archived, nil
}

// Len reports the number of stored entities.
func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func cloneEntity(entity harvest.PersistedEntity) harvest.PersistedEntity {
	entity.Tags = append([]string(nil), entity.Tags...)
	return entity
}
