// Package progress defines the event stream emitted by running harvest jobs
// and the hub that batches it out to observability sinks.
package progress

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart  Stage = "JOB_START"
	StageJobHB     Stage = "JOB_HEARTBEAT"
	StageJobDone   Stage = "JOB_DONE"
	StageJobError  Stage = "JOB_ERROR"
	StageOutcome   Stage = "RECORD_OUTCOME"
	StageBatch     Stage = "BATCH_FLUSH"
	StagePage      Stage = "PAGE_COMPLETED"
	StagePageError Stage = "PAGE_ERROR"
)

// OutcomeLabel is the per-record accounting bucket exported to sinks.
type OutcomeLabel string

// Outcome labels tracked per record.
const (
	OutcomeCreated   OutcomeLabel = "created"
	OutcomeUpdated   OutcomeLabel = "updated"
	OutcomeUnchanged OutcomeLabel = "unchanged"
	OutcomeDuplicate OutcomeLabel = "duplicate"
	OutcomeError     OutcomeLabel = "error"
)

// Event captures a single milestone of harvest progress.
type Event struct {
	// JobID uniquely identifies a job run using the 16-byte UUID form.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or record milestone occurred.
	Stage Stage
	// Site scopes record and page events to a source label.
	Site string
	// URL is the optional page or record URL.
	URL string
	// Outcome is set on StageOutcome events.
	Outcome OutcomeLabel
	// Records carries the record count for batch flush and heartbeat events.
	Records int64
	// Dur captures execution latency for batch flushes and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (result, error text).
	Note string
}

// JobUUID converts the raw job key back into a uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobHB, StageJobDone, StageJobError, StageBatch, StagePage, StagePageError:
	case StageOutcome:
		if e.Site == "" {
			return errors.New("record outcome requires site")
		}
		if e.Outcome == "" {
			return errors.New("record outcome requires outcome label")
		}
	default:
		return errors.New("unknown stage")
	}
	return nil
}

// JobKey converts a string job id into the event key form. Non-UUID ids hash
// into the key space via uuid.NewSHA1 so events remain attributable.
func JobKey(jobID string) [16]byte {
	if parsed, err := uuid.Parse(jobID); err == nil {
		return parsed
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(jobID))
}
