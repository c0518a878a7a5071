// Package registry exposes job control: submitting jobs onto the queue,
// routing cancellations, and answering status queries. It tracks the live
// orchestrators of this process so running jobs answer from memory while
// everything else answers from the job store.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/harvest"
	"github.com/opendatanet/harvester/internal/job"
	"github.com/opendatanet/harvester/internal/orchestrator"
)

// Registry is the job control surface. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	running map[string]*orchestrator.Orchestrator

	jobs   harvest.JobStore
	queue  harvest.Queue
	ids    harvest.IDGenerator
	clock  harvest.Clock
	logger *zap.Logger
}

// New builds a Registry over the given job store and work queue.
func New(jobs harvest.JobStore, queue harvest.Queue, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		running: make(map[string]*orchestrator.Orchestrator),
		jobs:    jobs,
		queue:   queue,
		ids:     ids,
		clock:   clock,
		logger:  logger,
	}
}

// StartJob creates a pending job row and enqueues it for a worker. The task
// id is generated here, before enqueue, so the correlation handle exists even
// if the queue delivery is still in flight. If enqueue fails the job row is
// failed immediately so no orphaned pending row remains.
func (r *Registry) StartJob(ctx context.Context, siteID string, opts harvest.JobOptions) (harvest.JobSnapshot, error) {
	if siteID == "" {
		return harvest.JobSnapshot{}, &harvest.ValidationError{Field: "site_id", Reason: "must not be empty"}
	}
	if opts.MaxPages < 0 {
		return harvest.JobSnapshot{}, &harvest.ValidationError{Field: "max_pages", Reason: "must not be negative"}
	}

	jobID, err := r.ids.NewID()
	if err != nil {
		return harvest.JobSnapshot{}, fmt.Errorf("generating job id: %w", err)
	}
	taskID, err := r.ids.NewID()
	if err != nil {
		return harvest.JobSnapshot{}, fmt.Errorf("generating task id: %w", err)
	}

	now := r.clock.Now()
	row := harvest.CrawlJob{
		ID:      jobID,
		TaskID:  taskID,
		SiteID:  siteID,
		Options: opts,
		Status:  harvest.JobStatusPending,
		Created: now,
	}
	if err := r.jobs.CreateJob(ctx, row); err != nil {
		return harvest.JobSnapshot{}, fmt.Errorf("creating job: %w", err)
	}

	item := harvest.QueueItem{
		JobID:     jobID,
		SiteID:    siteID,
		Options:   opts,
		Submitted: now.Unix(),
	}
	if err := r.queue.Enqueue(ctx, item); err != nil {
		machine := job.NewMachine(row, r.jobs, r.clock, r.logger)
		if failErr := machine.Fail(ctx, "enqueue failed: "+err.Error(), nil); failErr != nil {
			r.logger.Error("failing unenqueued job", zap.String("job_id", jobID), zap.Error(failErr))
		}
		return harvest.JobSnapshot{}, fmt.Errorf("enqueueing job %s: %w", jobID, err)
	}

	r.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("site_id", siteID),
		zap.Int("max_pages", opts.MaxPages),
		zap.Bool("test_mode", opts.TestMode),
	)
	return job.Snapshot(row, now), nil
}

// Status returns the snapshot of a job. Running jobs answer from their live
// orchestrator; everything else reads the job store. Returns
// harvest.ErrNotFound for unknown ids.
func (r *Registry) Status(ctx context.Context, jobID string) (harvest.JobSnapshot, error) {
	if orc := r.lookup(jobID); orc != nil {
		return orc.Snapshot(), nil
	}
	row, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return harvest.JobSnapshot{}, err
	}
	return job.Snapshot(row, r.clock.Now()), nil
}

// List returns snapshots of stored jobs, optionally filtered by status,
// newest first. Live jobs are reported from their orchestrators so the view
// includes counters not yet committed to the store.
func (r *Registry) List(ctx context.Context, status *harvest.JobStatus, limit int) ([]harvest.JobSnapshot, error) {
	rows, err := r.jobs.ListJobs(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	snaps := make([]harvest.JobSnapshot, 0, len(rows))
	for _, row := range rows {
		if orc := r.lookup(row.ID); orc != nil {
			snaps = append(snaps, orc.Snapshot())
			continue
		}
		snaps = append(snaps, job.Snapshot(row, now))
	}
	return snaps, nil
}

// Cancel requests cancellation of a job. Running jobs are cancelled
// cooperatively through their orchestrator; pending jobs transition directly.
// Cancelling an already-cancelled job succeeds; cancelling a completed or
// failed job returns InvalidTransitionError.
func (r *Registry) Cancel(ctx context.Context, jobID string) error {
	if orc := r.lookup(jobID); orc != nil {
		orc.RequestCancel()
		return nil
	}

	row, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	// No live orchestrator: either the job never started, or its worker
	// crashed and left a stale running row. Both cancel through the machine.
	machine := job.NewMachine(row, r.jobs, r.clock, r.logger)
	return machine.Cancel(ctx)
}

// Attach registers a live orchestrator so status and cancel route to it.
func (r *Registry) Attach(orc *orchestrator.Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[orc.Snapshot().ID] = orc
}

// Detach removes a finished orchestrator. Idempotent.
func (r *Registry) Detach(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
}

// RunningCount reports how many orchestrators are attached.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}

func (r *Registry) lookup(jobID string) *orchestrator.Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running[jobID]
}
