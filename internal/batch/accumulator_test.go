package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opendatanet/harvester/internal/harvest"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeEntityStore scripts UpsertBatch behavior: errs are consumed first (one
// per call); once exhausted, batches succeed and are recorded.
type fakeEntityStore struct {
	errs    []error
	batches [][]harvest.Outcome
	// failDigests marks identity digests that report per-record failure.
	failDigests map[string]error
}

func (s *fakeEntityStore) FindByIdentity(context.Context, string) (harvest.PersistedEntity, error) {
	return harvest.PersistedEntity{}, harvest.ErrNotFound
}

func (s *fakeEntityStore) ArchiveUnseen(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (s *fakeEntityStore) UpsertBatch(_ context.Context, outcomes []harvest.Outcome) ([]harvest.UpsertResult, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	s.batches = append(s.batches, append([]harvest.Outcome(nil), outcomes...))
	results := make([]harvest.UpsertResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = harvest.UpsertResult{Index: i, Status: harvest.UpsertApplied}
		if err, bad := s.failDigests[o.Entity.IdentityDigest]; bad {
			results[i] = harvest.UpsertResult{Index: i, Status: harvest.UpsertFailed, Err: err}
		}
	}
	return results, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func outcomeN(n int, kind harvest.OutcomeKind) harvest.Outcome {
	return harvest.Outcome{
		Kind: kind,
		Entity: harvest.PersistedEntity{
			IdentityDigest: fmt.Sprintf("digest-%d", n),
			URL:            fmt.Sprintf("https://example.org/d/%d", n),
		},
	}
}

func newTestAccumulator(store harvest.EntityStore, cfg Config) (*Accumulator, *fakeClock) {
	clock := &fakeClock{now: time.Unix(5000, 0)}
	acc := New(store, clock, cfg, nil)
	acc.sleep = noSleep
	return acc, clock
}

func TestAccumulator_FlushesAtSizeThreshold(t *testing.T) {
	t.Parallel()

	store := &fakeEntityStore{}
	acc, _ := newTestAccumulator(store, Config{Size: 3})

	var flushed Result
	for i := 0; i < 3; i++ {
		res, err := acc.Add(context.Background(), outcomeN(i, harvest.OutcomeCreate))
		require.NoError(t, err)
		if !res.Empty() {
			flushed = res
		}
	}

	require.Equal(t, 3, flushed.Created)
	require.Equal(t, 0, acc.Pending())
	require.Len(t, store.batches, 1)
	require.Len(t, store.batches[0], 3)
}

func TestAccumulator_FlushIfStaleHonorsInterval(t *testing.T) {
	t.Parallel()

	store := &fakeEntityStore{}
	acc, clock := newTestAccumulator(store, Config{Size: 10, FlushInterval: 2 * time.Second})

	_, err := acc.Add(context.Background(), outcomeN(1, harvest.OutcomeUpdate))
	require.NoError(t, err)

	res, err := acc.FlushIfStale(context.Background())
	require.NoError(t, err)
	require.True(t, res.Empty())
	require.Equal(t, 1, acc.Pending())

	clock.advance(3 * time.Second)
	res, err = acc.FlushIfStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 0, acc.Pending())
}

func TestAccumulator_RetriesTransientBatchFailure(t *testing.T) {
	t.Parallel()

	store := &fakeEntityStore{
		errs: []error{
			harvest.Transient(errors.New("timeout")),
			harvest.Transient(errors.New("timeout")),
		},
	}
	acc, _ := newTestAccumulator(store, Config{Size: 2, MaxRetries: 3})

	_, err := acc.Add(context.Background(), outcomeN(1, harvest.OutcomeCreate))
	require.NoError(t, err)
	res, err := acc.Add(context.Background(), outcomeN(2, harvest.OutcomeCreate))
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	require.Len(t, store.batches, 1)
}

func TestAccumulator_PerRecordFallbackIsolatesPoisonRecord(t *testing.T) {
	t.Parallel()

	poison := errors.New("constraint violation")
	store := &fakeEntityStore{
		// Whole batch fails through the entire retry budget, then each
		// per-record attempt succeeds except the poisoned digest.
		errs: []error{
			harvest.Transient(errors.New("deadlock")),
			harvest.Transient(errors.New("deadlock")),
			harvest.Transient(errors.New("deadlock")),
			harvest.Transient(errors.New("deadlock")),
		},
		failDigests: map[string]error{"digest-1": poison},
	}
	acc, _ := newTestAccumulator(store, Config{Size: 3, MaxRetries: 3})

	for i := 0; i < 2; i++ {
		_, err := acc.Add(context.Background(), outcomeN(i, harvest.OutcomeCreate))
		require.NoError(t, err)
	}
	res, err := acc.Add(context.Background(), outcomeN(2, harvest.OutcomeUpdate))
	require.NoError(t, err)

	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 0, acc.Pending())
}

func TestAccumulator_AllRecordsTransientEscalates(t *testing.T) {
	t.Parallel()

	down := harvest.Transient(errors.New("connection refused"))
	store := &fakeEntityStore{
		// Batch retries plus both per-record attempts all fail transiently.
		errs: []error{down, down, down, down, down, down},
	}
	acc, _ := newTestAccumulator(store, Config{Size: 2, MaxRetries: 3})

	_, err := acc.Add(context.Background(), outcomeN(1, harvest.OutcomeCreate))
	require.NoError(t, err)
	res, err := acc.Add(context.Background(), outcomeN(2, harvest.OutcomeCreate))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, 2, res.Failed)
}

func TestAccumulator_NonTransientErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	store := &fakeEntityStore{
		errs: []error{errors.New("syntax error")},
	}
	acc, _ := newTestAccumulator(store, Config{Size: 2, MaxRetries: 3})

	_, err := acc.Add(context.Background(), outcomeN(1, harvest.OutcomeCreate))
	require.NoError(t, err)
	res, err := acc.Add(context.Background(), outcomeN(2, harvest.OutcomeCreate))
	// Per-record fallback succeeds after the single batch failure.
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	// One failed whole-batch call, then two per-record calls.
	require.Len(t, store.batches, 2)
}

func TestAccumulator_FlushEmptyBufferIsNoop(t *testing.T) {
	t.Parallel()

	store := &fakeEntityStore{}
	acc, _ := newTestAccumulator(store, Config{})

	res, err := acc.Flush(context.Background())
	require.NoError(t, err)
	require.True(t, res.Empty())
	require.Empty(t, store.batches)
}
