// Package job implements the crawl job lifecycle state machine.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/harvest"
)

// Machine owns the lifecycle of one crawl job: pending → running →
// {completed, failed, cancelled}. All terminal states are final; illegal
// transitions fail with InvalidTransitionError and leave state untouched.
// Every accepted transition is persisted through the job store with a
// compare-and-set on the prior status, so a second Machine built from a
// stale row cannot write over a row that has already reached a terminal
// state. Safe for concurrent use: status queries may race with the owning
// orchestrator.
type Machine struct {
	mu     sync.Mutex
	job    harvest.CrawlJob
	store  harvest.JobStore
	clock  harvest.Clock
	logger *zap.Logger
}

// NewMachine wraps an already-created job row.
func NewMachine(job harvest.CrawlJob, store harvest.JobStore, clock harvest.Clock, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{job: job, store: store, clock: clock, logger: logger}
}

// JobID returns the job identifier.
func (m *Machine) JobID() string {
	return m.job.ID
}

// Status returns the current lifecycle state.
func (m *Machine) Status() harvest.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job.Status
}

// Start transitions pending → running and records the start time.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.Status != harvest.JobStatusPending {
		return &harvest.InvalidTransitionError{JobID: m.job.ID, From: m.job.Status, Op: "start"}
	}
	prev := m.job
	now := m.clock.Now()
	m.job.Status = harvest.JobStatusRunning
	m.job.Started = &now
	return m.persist(ctx, prev, "start")
}

// UpdateProgress sets the completion percentage (clamped to [0,100]) and the
// current page cursor. Only valid while running; the caller treats the error
// on a terminal job as non-fatal.
func (m *Machine) UpdateProgress(ctx context.Context, percentage float64, currentPage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.Status != harvest.JobStatusRunning {
		return &harvest.InvalidTransitionError{JobID: m.job.ID, From: m.job.Status, Op: "update progress"}
	}
	prev := m.job
	m.job.Progress = clamp(percentage)
	if currentPage != "" {
		m.job.CurrentPage = currentPage
	}
	return m.persist(ctx, prev, "update progress")
}

// UpdateStats merges an incremental counter delta. Only valid while running.
func (m *Machine) UpdateStats(ctx context.Context, delta harvest.JobStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.Status != harvest.JobStatusRunning {
		return &harvest.InvalidTransitionError{JobID: m.job.ID, From: m.job.Status, Op: "update stats"}
	}
	prev := m.job
	m.job.Stats.Add(delta)
	return m.persist(ctx, prev, "update stats")
}

// Complete transitions running → completed, persisting the final statistics.
func (m *Machine) Complete(ctx context.Context, final harvest.JobStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.Status != harvest.JobStatusRunning {
		return &harvest.InvalidTransitionError{JobID: m.job.ID, From: m.job.Status, Op: "complete"}
	}
	prev := m.job
	now := m.clock.Now()
	m.job.Status = harvest.JobStatusCompleted
	m.job.Stats = final
	m.job.Progress = 100
	m.job.Completed = &now
	return m.persist(ctx, prev, "complete")
}

// Fail transitions running → failed. It is also permitted from pending,
// covering pre-flight failures before the job ever started.
func (m *Machine) Fail(ctx context.Context, message string, details map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.Status.IsTerminal() {
		return &harvest.InvalidTransitionError{JobID: m.job.ID, From: m.job.Status, Op: "fail"}
	}
	prev := m.job
	now := m.clock.Now()
	m.job.Status = harvest.JobStatusFailed
	m.job.ErrorMessage = message
	m.job.ErrorDetails = copyMap(details)
	m.job.Completed = &now
	return m.persist(ctx, prev, "fail")
}

// Cancel transitions pending or running → cancelled. Cancelling an
// already-cancelled job is a no-op, even when the cancellation was written
// by another machine instance; cancelling a completed or failed job is an
// invalid transition. A cancel that loses the persistence race to a
// pending→running start is retried once against the adopted stored row, so
// it still lands on the now-running job.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for attempt := 0; ; attempt++ {
		if m.job.Status == harvest.JobStatusCancelled {
			return nil
		}
		if m.job.Status.IsTerminal() {
			return &harvest.InvalidTransitionError{JobID: m.job.ID, From: m.job.Status, Op: "cancel"}
		}
		prev := m.job
		now := m.clock.Now()
		m.job.Status = harvest.JobStatusCancelled
		m.job.Completed = &now
		err := m.persist(ctx, prev, "cancel")
		if err == nil || !harvest.IsInvalidTransition(err) || attempt > 0 {
			return err
		}
		// Conflict: persist adopted the stored row; reevaluate against it.
	}
}

// Snapshot returns an immutable copy of the job's current fields.
func (m *Machine) Snapshot() harvest.JobSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot(m.job, m.clock.Now())
}

// Snapshot builds a detached view of a job row, computing the run duration
// against now for jobs that have started but not yet finished. Maps and
// slices are copied so callers never hold live references.
func Snapshot(job harvest.CrawlJob, now time.Time) harvest.JobSnapshot {
	snap := harvest.JobSnapshot{CrawlJob: job}
	snap.ErrorDetails = copyMap(job.ErrorDetails)
	if job.Started != nil {
		started := *job.Started
		snap.Started = &started
		end := now
		if job.Completed != nil {
			completed := *job.Completed
			snap.Completed = &completed
			end = completed
		}
		snap.DurationSeconds = end.Sub(started).Seconds()
	}
	return snap
}

// persist writes the mutated row compare-and-set against the pre-mutation
// status. On a status conflict another machine instance owns a newer row:
// the local mutation is rolled back, the stored row is adopted as truth and
// the transition is reported invalid. Plain store failures keep the
// in-memory state authoritative; the next persisted transition carries the
// full row again.
func (m *Machine) persist(ctx context.Context, prev harvest.CrawlJob, op string) error {
	if m.store == nil {
		return nil
	}
	err := m.store.UpdateJob(ctx, m.job, prev.Status)
	if err == nil {
		return nil
	}
	if errors.Is(err, harvest.ErrStatusConflict) {
		m.job = prev
		if row, getErr := m.store.GetJob(ctx, prev.ID); getErr == nil {
			m.job = row
		}
		m.logger.Warn("job transition lost persistence race",
			zap.String("job_id", prev.ID),
			zap.String("op", op),
			zap.String("stored_status", string(m.job.Status)),
		)
		return &harvest.InvalidTransitionError{JobID: prev.ID, From: m.job.Status, Op: op}
	}
	m.logger.Error("persist job transition failed",
		zap.String("job_id", m.job.ID),
		zap.String("status", string(m.job.Status)),
		zap.Error(err),
	)
	return fmt.Errorf("persist job %s: %w", m.job.ID, err)
}

func clamp(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
