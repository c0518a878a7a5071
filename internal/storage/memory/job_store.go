// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opendatanet/harvester/internal/harvest"
)

// JobStore is an in-memory implementation of harvest.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]harvest.CrawlJob
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]harvest.CrawlJob)}
}

// CreateJob stores a new job row.
func (s *JobStore) CreateJob(_ context.Context, job harvest.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces the stored row, compare-and-set on its current status.
func (s *JobStore) UpdateJob(_ context.Context, job harvest.CrawlJob, from harvest.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return harvest.ErrNotFound
	}
	if stored.Status != from {
		return harvest.ErrStatusConflict
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (harvest.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.CrawlJob{}, harvest.ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs newest-first, optionally filtered by status, capped
// at limit when positive.
func (s *JobStore) ListJobs(_ context.Context, status *harvest.JobStatus, limit int) ([]harvest.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(job harvest.CrawlJob) harvest.CrawlJob {
	if job.ErrorDetails != nil {
		details := make(map[string]string, len(job.ErrorDetails))
		for k, v := range job.ErrorDetails {
			details[k] = v
		}
		job.ErrorDetails = details
	}
	if job.Started != nil {
		started := *job.Started
		job.Started = &started
	}
	if job.Completed != nil {
		completed := *job.Completed
		job.Completed = &completed
	}
	return job
}
