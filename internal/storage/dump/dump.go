// Package dump implements the test-mode persistence side channel: classified
// outcomes are serialized as JSON lines and written through a blob store
// instead of the entities table.
package dump

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/opendatanet/harvester/internal/harvest"
)

// Store satisfies harvest.EntityStore so a test-mode job can swap it in for
// the real adapter. Lookups always miss, so every record classifies as a
// create and nothing ever reaches the entities table.
type Store struct {
	blobs harvest.BlobStore
	clock harvest.Clock
	jobID string
	seq   atomic.Int64
}

// New constructs a dump store scoped to one job.
func New(blobs harvest.BlobStore, clock harvest.Clock, jobID string) *Store {
	return &Store{blobs: blobs, clock: clock, jobID: jobID}
}

// FindByIdentity always reports a miss.
func (s *Store) FindByIdentity(context.Context, string) (harvest.PersistedEntity, error) {
	return harvest.PersistedEntity{}, harvest.ErrNotFound
}

// line is the JSON-lines row written per outcome.
type line struct {
	Kind   harvest.OutcomeKind     `json:"kind"`
	Entity harvest.PersistedEntity `json:"entity"`
}

// UpsertBatch writes the batch as one JSON-lines object and reports every
// record as applied.
func (s *Store) UpsertBatch(ctx context.Context, outcomes []harvest.Outcome) ([]harvest.UpsertResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, outcome := range outcomes {
		if err := enc.Encode(line{Kind: outcome.Kind, Entity: outcome.Entity}); err != nil {
			return nil, fmt.Errorf("encode outcome: %w", err)
		}
	}
	path := fmt.Sprintf("dumps/%s/%s-batch-%06d.jsonl",
		s.jobID, s.clock.Now().UTC().Format("20060102T150405"), s.seq.Add(1))
	if _, err := s.blobs.PutObject(ctx, path, "application/x-ndjson", buf.Bytes()); err != nil {
		return nil, harvest.Transient(fmt.Errorf("write dump object: %w", err))
	}
	results := make([]harvest.UpsertResult, len(outcomes))
	for i := range outcomes {
		results[i] = harvest.UpsertResult{Index: i, Status: harvest.UpsertApplied}
	}
	return results, nil
}

// ArchiveUnseen is a no-op in test mode.
func (s *Store) ArchiveUnseen(context.Context, string, string) (int64, error) {
	return 0, nil
}
