package harvest

import (
	"context"
	"time"
)

// EntityStore is the persistence adapter for deduplicated entities.
// Implementations must be safe for concurrent use by multiple jobs and must
// apply upserts conditionally per IdentityDigest so a racing update from one
// job cannot be silently overwritten by a stale update from another.
type EntityStore interface {
	// FindByIdentity looks up an entity by its identity digest, returning
	// ErrNotFound when no entity exists.
	FindByIdentity(ctx context.Context, digest string) (PersistedEntity, error)
	// UpsertBatch applies a batch of outcomes. Each record is atomic on its
	// own; the batch as a whole is not. One result is returned per outcome.
	UpsertBatch(ctx context.Context, outcomes []Outcome) ([]UpsertResult, error)
	// ArchiveUnseen transitions active entities of the source that were not
	// touched by the given job to archived, returning how many moved.
	ArchiveUnseen(ctx context.Context, source, jobID string) (int64, error)
}

// JobStore persists crawl job rows.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	// UpdateJob replaces the stored row only while its current status still
	// equals from, returning ErrStatusConflict otherwise. The guard is what
	// keeps a second state machine instance for the same job from writing
	// over a row another instance already moved to a terminal state.
	UpdateJob(ctx context.Context, job CrawlJob, from JobStatus) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	ListJobs(ctx context.Context, status *JobStatus, limit int) ([]CrawlJob, error)
}

// EventKind discriminates source stream events.
type EventKind string

// Source event kinds. The stream is ordered and always ends with EventDone.
const (
	EventRecord    EventKind = "record_discovered"
	EventPage      EventKind = "page_completed"
	EventPageError EventKind = "page_error"
	EventDone      EventKind = "done"
)

// SourceEvent is one element of the crawler source's ordered stream.
type SourceEvent struct {
	Kind   EventKind
	Record DiscoveredRecord

	// Page fields, set on EventPage and EventPageError.
	PageURL string
	// EstimatedPages may be revised upward as the source discovers more
	// pages; progress computed from it can move non-monotonically.
	EstimatedPages int
	Reason         string

	// Done fields.
	Success bool
}

// Source is the crawling collaborator consumed by the orchestrator. Events
// returns the ordered stream; the channel is closed after EventDone.
// RequestStop asks the source to stop producing; it guarantees EventDone is
// eventually emitted, bounded by the source's own shutdown timeout.
type Source interface {
	Events() <-chan SourceEvent
	RequestStop()
}

// SourceFactory builds a source for one job run.
type SourceFactory interface {
	NewSource(ctx context.Context, siteID string, opts JobOptions) (Source, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// BlobStore writes raw artifacts and returns a URI. Used by the test-mode
// dump side channel.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
