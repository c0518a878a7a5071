package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opendatanet/harvester/internal/batch"
	"github.com/opendatanet/harvester/internal/harvest"
	"github.com/opendatanet/harvester/internal/identity"
	"github.com/opendatanet/harvester/internal/job"
	"github.com/opendatanet/harvester/internal/storage/memory"
	"github.com/opendatanet/harvester/internal/tracker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type scriptedSource struct {
	ch      chan harvest.SourceEvent
	stopped atomic.Bool
}

func newScriptedSource(events ...harvest.SourceEvent) *scriptedSource {
	src := &scriptedSource{ch: make(chan harvest.SourceEvent, len(events))}
	for _, evt := range events {
		src.ch <- evt
	}
	close(src.ch)
	return src
}

func (s *scriptedSource) Events() <-chan harvest.SourceEvent { return s.ch }

func (s *scriptedSource) RequestStop() { s.stopped.Store(true) }

func recordEvent(url, title string, tags ...string) harvest.SourceEvent {
	return harvest.SourceEvent{
		Kind: harvest.EventRecord,
		Record: harvest.DiscoveredRecord{
			URL:    url,
			Title:  title,
			Tags:   tags,
			Source: "uganda-portal",
		},
	}
}

func pageEvent(url string, estimated int) harvest.SourceEvent {
	return harvest.SourceEvent{Kind: harvest.EventPage, PageURL: url, EstimatedPages: estimated}
}

func doneEvent(success bool, reason string) harvest.SourceEvent {
	return harvest.SourceEvent{Kind: harvest.EventDone, Success: success, Reason: reason}
}

type fixture struct {
	orc      *Orchestrator
	machine  *job.Machine
	jobStore *memory.JobStore
	entities harvest.EntityStore
	clock    *fakeClock
}

func newFixture(t *testing.T, src harvest.Source, entities harvest.EntityStore, opts harvest.JobOptions) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if entities == nil {
		entities = memory.NewEntityStore(clock)
	}
	jobStore := memory.NewJobStore()
	crawlJob := harvest.CrawlJob{
		ID:      "job-1",
		SiteID:  "uganda-portal",
		Options: opts,
		Status:  harvest.JobStatusPending,
		Created: clock.Now(),
	}
	require.NoError(t, jobStore.CreateJob(context.Background(), crawlJob))
	machine := job.NewMachine(crawlJob, jobStore, clock, nil)
	trk := tracker.New(machine, nil, clock, "uganda-portal", 10, tracker.Config{}, nil)
	orc := New(machine, src, entities, trk, clock, Config{
		Batch: batch.Config{Size: 2},
	}, opts.MaxPages, nil)
	return &fixture{orc: orc, machine: machine, jobStore: jobStore, entities: entities, clock: clock}
}

func requireConservation(t *testing.T, stats harvest.JobStats) {
	t.Helper()
	require.Equal(t, stats.Found,
		stats.Created+stats.Updated+stats.Unchanged+stats.DuplicatesSkipped+stats.Errors)
}

func TestOrchestratorHappyPath(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(
		pageEvent("https://example.com/page/1", 2),
		recordEvent("https://example.com/dataset/1", "water quality 2026", "environment"),
		recordEvent("https://example.com/dataset/2", "census snapshot"),
		recordEvent("https://example.com/dataset/1", "water quality 2026", "environment"), // in-job duplicate
		recordEvent("https://example.com/dataset/3", "x"),                                 // title too short
		pageEvent("https://example.com/page/2", 2),
		doneEvent(true, ""),
	)
	f := newFixture(t, src, nil, harvest.JobOptions{})

	require.NoError(t, f.orc.Run(context.Background()))

	snap := f.orc.Snapshot()
	require.Equal(t, harvest.JobStatusCompleted, snap.Status)
	require.Equal(t, 4, snap.Stats.Found)
	require.Equal(t, 2, snap.Stats.Created)
	require.Equal(t, 1, snap.Stats.DuplicatesSkipped)
	require.Equal(t, 1, snap.Stats.Errors)
	require.Equal(t, 2, snap.Stats.PagesCrawled)
	require.InDelta(t, 100.0, snap.Progress, 1e-9)
	requireConservation(t, snap.Stats)

	// The terminal row reached the job store.
	stored, err := f.jobStore.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.Completed)
}

func TestOrchestratorClassifiesAgainstExistingEntities(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	entities := memory.NewEntityStore(clock)

	first := newFixture(t, newScriptedSource(
		recordEvent("https://example.com/dataset/1", "water quality 2026", "environment"),
		recordEvent("https://example.com/dataset/2", "census snapshot"),
		doneEvent(true, ""),
	), entities, harvest.JobOptions{})
	require.NoError(t, first.orc.Run(context.Background()))

	// Second pass: one unchanged, one updated.
	src := newScriptedSource(
		recordEvent("https://example.com/dataset/1", "water quality 2026", "environment"),
		recordEvent("https://example.com/dataset/2", "census snapshot 2026 revised"),
		doneEvent(true, ""),
	)
	// Distinct job id for the re-crawl.
	secondJob := harvest.CrawlJob{
		ID: "job-2", SiteID: "uganda-portal", Status: harvest.JobStatusPending, Created: clock.Now(),
	}
	jobStore := memory.NewJobStore()
	require.NoError(t, jobStore.CreateJob(context.Background(), secondJob))
	machine := job.NewMachine(secondJob, jobStore, clock, nil)
	trk := tracker.New(machine, nil, clock, "uganda-portal", 10, tracker.Config{}, nil)
	orc := New(machine, src, entities, trk, clock, Config{Batch: batch.Config{Size: 2}}, 0, nil)

	require.NoError(t, orc.Run(context.Background()))

	snap := orc.Snapshot()
	require.Equal(t, harvest.JobStatusCompleted, snap.Status)
	require.Equal(t, 1, snap.Stats.Unchanged)
	require.Equal(t, 1, snap.Stats.Updated)
	require.Zero(t, snap.Stats.Created)
	requireConservation(t, snap.Stats)
}

func TestOrchestratorCancelBeforeRecordsSkipsThem(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(
		recordEvent("https://example.com/dataset/1", "water quality 2026"),
		recordEvent("https://example.com/dataset/2", "census snapshot"),
		doneEvent(true, ""),
	)
	f := newFixture(t, src, nil, harvest.JobOptions{})
	f.orc.RequestCancel()
	require.True(t, src.stopped.Load())

	require.NoError(t, f.orc.Run(context.Background()))

	snap := f.orc.Snapshot()
	require.Equal(t, harvest.JobStatusCancelled, snap.Status)
	require.Zero(t, snap.Stats.Found)
	requireConservation(t, snap.Stats)
}

func TestOrchestratorCancelDrainsAdmittedWork(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{ch: make(chan harvest.SourceEvent)}
	f := newFixture(t, src, nil, harvest.JobOptions{})

	done := make(chan error, 1)
	go func() { done <- f.orc.Run(context.Background()) }()

	src.ch <- recordEvent("https://example.com/dataset/1", "water quality 2026")
	// The unbuffered send above returns once the orchestrator received the
	// next event, so the first record is fully processed by then.
	src.ch <- pageEvent("https://example.com/page/1", 2)
	f.orc.RequestCancel()
	src.ch <- doneEvent(false, "stopped")
	close(src.ch)

	require.NoError(t, <-done)
	snap := f.orc.Snapshot()
	require.Equal(t, harvest.JobStatusCancelled, snap.Status)
	require.Equal(t, 1, snap.Stats.Found)
	require.Equal(t, 1, snap.Stats.Created)
	requireConservation(t, snap.Stats)

	// Admitted work survived the cancel.
	entity, err := f.entities.FindByIdentity(context.Background(),
		identity.IdentityDigest("https://example.com/dataset/1"))
	require.NoError(t, err)
	require.Equal(t, "water quality 2026", entity.Title)
}

func TestOrchestratorSourceFailureFailsJob(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(
		recordEvent("https://example.com/dataset/1", "water quality 2026"),
		doneEvent(false, "connection refused"),
	)
	f := newFixture(t, src, nil, harvest.JobOptions{})

	require.NoError(t, f.orc.Run(context.Background()))

	snap := f.orc.Snapshot()
	require.Equal(t, harvest.JobStatusFailed, snap.Status)
	require.Equal(t, "connection refused", snap.ErrorMessage)
	// Work admitted before the failure is still flushed.
	require.Equal(t, 1, snap.Stats.Created)
}

type downEntityStore struct{}

func (downEntityStore) FindByIdentity(context.Context, string) (harvest.PersistedEntity, error) {
	return harvest.PersistedEntity{}, harvest.ErrNotFound
}

func (downEntityStore) UpsertBatch(context.Context, []harvest.Outcome) ([]harvest.UpsertResult, error) {
	return nil, harvest.Transient(context.DeadlineExceeded)
}

func (downEntityStore) ArchiveUnseen(context.Context, string, string) (int64, error) {
	return 0, nil
}

func TestOrchestratorStoreUnavailableFailsJob(t *testing.T) {
	t.Parallel()

	src := newScriptedSource(
		recordEvent("https://example.com/dataset/1", "water quality 2026"),
		recordEvent("https://example.com/dataset/2", "census snapshot"),
		doneEvent(true, ""),
	)
	f := newFixture(t, src, downEntityStore{}, harvest.JobOptions{})

	require.NoError(t, f.orc.Run(context.Background()))

	snap := f.orc.Snapshot()
	require.Equal(t, harvest.JobStatusFailed, snap.Status)
	require.Contains(t, snap.ErrorMessage, "persistence unavailable")
	require.True(t, src.stopped.Load())
}

func TestOrchestratorArchivesStaleEntitiesOnFullPass(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	entities := memory.NewEntityStore(clock)

	// First pass persists two entities.
	first := newFixture(t, newScriptedSource(
		recordEvent("https://example.com/dataset/1", "water quality 2026"),
		recordEvent("https://example.com/dataset/2", "census snapshot"),
		doneEvent(true, ""),
	), entities, harvest.JobOptions{})
	require.NoError(t, first.orc.Run(context.Background()))

	// Second full pass re-sees only the first entity; run it under a fresh
	// job so the back-references differ.
	jobStore := memory.NewJobStore()
	secondJob := harvest.CrawlJob{ID: "job-2", SiteID: "uganda-portal", Status: harvest.JobStatusPending, Created: clock.Now()}
	require.NoError(t, jobStore.CreateJob(context.Background(), secondJob))
	machine := job.NewMachine(secondJob, jobStore, clock, nil)
	trk := tracker.New(machine, nil, clock, "uganda-portal", 10, tracker.Config{}, nil)
	src := newScriptedSource(
		recordEvent("https://example.com/dataset/1", "water quality 2026"),
		doneEvent(true, ""),
	)
	orc := New(machine, src, entities, trk, clock, Config{Batch: batch.Config{Size: 2}}, 0, nil)
	require.NoError(t, orc.Run(context.Background()))

	// Exactly one active entity remains.
	archived, err := entities.ArchiveUnseen(context.Background(), "uganda-portal", "job-2")
	require.NoError(t, err)
	require.Zero(t, archived, "orchestrator should have archived stale entities already")
}

func TestOrchestratorTruncatedPassSkipsArchival(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	entities := memory.NewEntityStore(clock)

	first := newFixture(t, newScriptedSource(
		recordEvent("https://example.com/dataset/1", "water quality 2026"),
		recordEvent("https://example.com/dataset/2", "census snapshot"),
		doneEvent(true, ""),
	), entities, harvest.JobOptions{})
	require.NoError(t, first.orc.Run(context.Background()))

	// Capped second pass sees nothing new; absence is not authoritative.
	jobStore := memory.NewJobStore()
	secondJob := harvest.CrawlJob{
		ID: "job-2", SiteID: "uganda-portal", Status: harvest.JobStatusPending,
		Options: harvest.JobOptions{MaxPages: 1}, Created: clock.Now(),
	}
	require.NoError(t, jobStore.CreateJob(context.Background(), secondJob))
	machine := job.NewMachine(secondJob, jobStore, clock, nil)
	trk := tracker.New(machine, nil, clock, "uganda-portal", 10, tracker.Config{}, nil)
	src := newScriptedSource(
		pageEvent("https://example.com/page/1", 5),
		doneEvent(true, ""),
	)
	orc := New(machine, src, entities, trk, clock, Config{Batch: batch.Config{Size: 2}}, 1, nil)
	require.NoError(t, orc.Run(context.Background()))

	// Both entities are still active: the truncated pass archived nothing.
	archived, err := entities.ArchiveUnseen(context.Background(), "uganda-portal", "job-3")
	require.NoError(t, err)
	require.Equal(t, int64(2), archived)
}
