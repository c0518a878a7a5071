// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether a status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobOptions captures per-job configuration knobs requested by the client.
// MaxPages truncates the source stream early; the job still completes
// normally. TestMode bypasses the entity store in favor of a side-channel
// dump owned by the storage layer.
type JobOptions struct {
	MaxPages int  `json:"max_pages,omitempty"`
	TestMode bool `json:"test_mode,omitempty"`
}

// JobStats tracks per-job record accounting. For any completed job,
// Found == Created + Updated + Unchanged + DuplicatesSkipped + Errors.
type JobStats struct {
	PagesCrawled      int `json:"pages_crawled"`
	Found             int `json:"found"`
	Created           int `json:"created"`
	Updated           int `json:"updated"`
	Unchanged         int `json:"unchanged"`
	DuplicatesSkipped int `json:"duplicates_skipped"`
	Errors            int `json:"errors_count"`
}

// Add merges a delta into the stats.
func (s *JobStats) Add(delta JobStats) {
	s.PagesCrawled += delta.PagesCrawled
	s.Found += delta.Found
	s.Created += delta.Created
	s.Updated += delta.Updated
	s.Unchanged += delta.Unchanged
	s.DuplicatesSkipped += delta.DuplicatesSkipped
	s.Errors += delta.Errors
}

// IsZero reports whether the delta carries no counts.
func (s JobStats) IsZero() bool {
	return s == JobStats{}
}

// CrawlJob represents the metadata persisted for each submitted crawl run.
// It is owned by the job state machine and mutated only through its
// transition API; once in a terminal state it never changes again.
type CrawlJob struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id,omitempty"`
	SiteID       string            `json:"site_id"`
	Options      JobOptions        `json:"options"`
	Status       JobStatus         `json:"status"`
	Progress     float64           `json:"progress_percentage"`
	CurrentPage  string            `json:"current_page,omitempty"`
	Stats        JobStats          `json:"statistics"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ErrorDetails map[string]string `json:"error_details,omitempty"`
	Created      time.Time         `json:"created_at"`
	Started      *time.Time        `json:"started_at,omitempty"`
	Completed    *time.Time        `json:"completed_at,omitempty"`
}

// DiscoveredRecord is the ephemeral output of the crawler source before
// classification. It is never persisted as-is.
type DiscoveredRecord struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Source      string            `json:"source"`
}

// EntityStatus is the lifecycle state of a persisted entity.
type EntityStatus string

// Entity lifecycle states. Entities are never deleted physically by this
// engine; absence across a full re-crawl pass archives them.
const (
	EntityActive   EntityStatus = "active"
	EntityArchived EntityStatus = "archived"
	EntityDeleted  EntityStatus = "deleted"
)

// PersistedEntity is the durable record keyed by IdentityDigest.
type PersistedEntity struct {
	IdentityDigest string       `json:"identity_digest"`
	ContentDigest  string       `json:"content_digest"`
	URL            string       `json:"url"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Tags           []string     `json:"tags,omitempty"`
	Source         string       `json:"source"`
	JobID          string       `json:"crawl_job_id"`
	Status         EntityStatus `json:"status"`
	LastSeenAt     time.Time    `json:"last_seen_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

// OutcomeKind is the classification result for one discovered record.
type OutcomeKind string

// Classification outcomes.
const (
	OutcomeCreate    OutcomeKind = "create"
	OutcomeUpdate    OutcomeKind = "update"
	OutcomeUnchanged OutcomeKind = "unchanged"
)

// Outcome carries a classification decision plus the entity values to apply.
// For Unchanged only the last-seen timestamp advances downstream.
type Outcome struct {
	Kind   OutcomeKind
	Entity PersistedEntity
}

// UpsertStatus reports the fate of a single outcome within a batch.
type UpsertStatus string

// Per-record upsert results.
const (
	UpsertApplied UpsertStatus = "applied"
	UpsertFailed  UpsertStatus = "failed"
)

// UpsertResult is the per-record result of EntityStore.UpsertBatch. Index
// refers to the position within the submitted batch.
type UpsertResult struct {
	Index  int
	Status UpsertStatus
	Err    error
}

// QueueItem wraps a job ready to run on a worker.
type QueueItem struct {
	JobID     string     `json:"job_id"`
	SiteID    string     `json:"site_id"`
	Options   JobOptions `json:"options"`
	Submitted int64      `json:"submitted"`
}

// JobSnapshot is the immutable view of a job returned by status queries.
// Tags and detail maps are copied so callers never hold live references.
type JobSnapshot struct {
	CrawlJob
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}
