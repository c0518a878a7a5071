package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/opendatanet/harvester/internal/harvest"
)

// JobStore persists crawl job rows in the crawl_jobs table.
type JobStore struct {
	pool dbPool
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const insertJobQuery = `
INSERT INTO crawl_jobs (
	id, task_id, site_id, options, status, progress, current_page,
	pages_crawled, found, created_count, updated_count, unchanged_count,
	duplicates_skipped, errors_count, error_message, error_details,
	created_at, started_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19);
`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job harvest.CrawlJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertJobQuery, args...); err != nil {
		return classify(fmt.Errorf("insert job: %w", err))
	}
	return nil
}

const updateJobQuery = `
UPDATE crawl_jobs SET
	task_id = $2, site_id = $3, options = $4, status = $5, progress = $6,
	current_page = $7, pages_crawled = $8, found = $9, created_count = $10,
	updated_count = $11, unchanged_count = $12, duplicates_skipped = $13,
	errors_count = $14, error_message = $15, error_details = $16,
	created_at = $17, started_at = $18, completed_at = $19
WHERE id = $1 AND status = $20;
`

// UpdateJob replaces the stored row, compare-and-set on its current status.
// The status predicate makes the guard atomic on the database side, so two
// machine instances racing on one row cannot both win.
func (s *JobStore) UpdateJob(ctx context.Context, job harvest.CrawlJob, from harvest.JobStatus) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, updateJobQuery, append(args, from)...)
	if err != nil {
		return classify(fmt.Errorf("update job: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, job.ID); errors.Is(getErr, harvest.ErrNotFound) {
			return harvest.ErrNotFound
		}
		return harvest.ErrStatusConflict
	}
	return nil
}

const selectJobQuery = `
SELECT id, task_id, site_id, options, status, progress, current_page,
       pages_crawled, found, created_count, updated_count, unchanged_count,
       duplicates_skipped, errors_count, error_message, error_details,
       created_at, started_at, completed_at
FROM crawl_jobs
`

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (harvest.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, selectJobQuery+"WHERE id = $1;", jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.CrawlJob{}, harvest.ErrNotFound
		}
		return harvest.CrawlJob{}, classify(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// ListJobs returns jobs newest-first, optionally filtered by status. A
// non-positive limit returns all rows.
func (s *JobStore) ListJobs(ctx context.Context, status *harvest.JobStatus, limit int) ([]harvest.CrawlJob, error) {
	query := selectJobQuery + `
WHERE ($1::text IS NULL OR status = $1)
ORDER BY created_at DESC
LIMIT $2;
`
	var capArg any
	if limit > 0 {
		capArg = limit
	}
	rows, err := s.pool.Query(ctx, query, status, capArg)
	if err != nil {
		return nil, classify(fmt.Errorf("list jobs: %w", err))
	}
	defer rows.Close()

	var jobs []harvest.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("list jobs: %w", err))
	}
	return jobs, nil
}

func jobArgs(job harvest.CrawlJob) ([]any, error) {
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	detailsJSON, err := json.Marshal(job.ErrorDetails)
	if err != nil {
		return nil, fmt.Errorf("marshal error details: %w", err)
	}
	return []any{
		job.ID,
		job.TaskID,
		job.SiteID,
		optionsJSON,
		job.Status,
		job.Progress,
		job.CurrentPage,
		job.Stats.PagesCrawled,
		job.Stats.Found,
		job.Stats.Created,
		job.Stats.Updated,
		job.Stats.Unchanged,
		job.Stats.DuplicatesSkipped,
		job.Stats.Errors,
		job.ErrorMessage,
		detailsJSON,
		job.Created,
		job.Started,
		job.Completed,
	}, nil
}

func scanJob(row pgx.Row) (harvest.CrawlJob, error) {
	var (
		job         harvest.CrawlJob
		optionsJSON []byte
		detailsJSON []byte
	)
	err := row.Scan(
		&job.ID,
		&job.TaskID,
		&job.SiteID,
		&optionsJSON,
		&job.Status,
		&job.Progress,
		&job.CurrentPage,
		&job.Stats.PagesCrawled,
		&job.Stats.Found,
		&job.Stats.Created,
		&job.Stats.Updated,
		&job.Stats.Unchanged,
		&job.Stats.DuplicatesSkipped,
		&job.Stats.Errors,
		&job.ErrorMessage,
		&detailsJSON,
		&job.Created,
		&job.Started,
		&job.Completed,
	)
	if err != nil {
		return harvest.CrawlJob{}, err
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return harvest.CrawlJob{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(detailsJSON) > 0 && string(detailsJSON) != "null" {
		if err := json.Unmarshal(detailsJSON, &job.ErrorDetails); err != nil {
			return harvest.CrawlJob{}, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	return job, nil
}
