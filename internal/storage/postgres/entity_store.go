// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opendatanet/harvester/internal/harvest"
)

// dbPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool builds a pgx pool from the config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// EntityStore persists deduplicated entities in the entities table.
type EntityStore struct {
	pool  dbPool
	clock harvest.Clock
}

// NewEntityStore constructs an EntityStore over an existing pool.
func NewEntityStore(pool dbPool, clock harvest.Clock) (*EntityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EntityStore{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *EntityStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const findEntityQuery = `
SELECT identity_digest, content_digest, url, title, description, tags,
       source, crawl_job_id, status, last_seen_at, updated_at, created_at
FROM entities
WHERE identity_digest = $1;
`

// FindByIdentity looks up an entity by its identity digest.
func (s *EntityStore) FindByIdentity(ctx context.Context, digest string) (harvest.PersistedEntity, error) {
	var e harvest.PersistedEntity
	err := s.pool.QueryRow(ctx, findEntityQuery, digest).Scan(
		&e.IdentityDigest,
		&e.ContentDigest,
		&e.URL,
		&e.Title,
		&e.Description,
		&e.Tags,
		&e.Source,
		&e.JobID,
		&e.Status,
		&e.LastSeenAt,
		&e.UpdatedAt,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.PersistedEntity{}, harvest.ErrNotFound
		}
		return harvest.PersistedEntity{}, classify(fmt.Errorf("find entity: %w", err))
	}
	return e, nil
}

// upsertEntityQuery applies field values only when the stored content digest
// differs; an equal digest leaves the row untouched (zero rows affected) and
// the caller falls back to a timestamp touch. This is the compare-and-set
// that keeps a stale update from one job from clobbering a fresher one.
const upsertEntityQuery = `
INSERT INTO entities (
	identity_digest, content_digest, url, title, description, tags,
	source, crawl_job_id, status, last_seen_at, updated_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'active',$9,$9,$9)
ON CONFLICT (identity_digest) DO UPDATE SET
	content_digest = EXCLUDED.content_digest,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	tags = EXCLUDED.tags,
	crawl_job_id = EXCLUDED.crawl_job_id,
	status = 'active',
	last_seen_at = EXCLUDED.last_seen_at,
	updated_at = EXCLUDED.updated_at
WHERE entities.content_digest IS DISTINCT FROM EXCLUDED.content_digest;
`

const touchEntityQuery = `
UPDATE entities
SET last_seen_at = $2, crawl_job_id = $3, status = 'active'
WHERE identity_digest = $1;
`

// UpsertBatch applies each outcome in its own statement so records are
// atomic individually. Transient connection failures abort the batch with a
// retryable error; statement-level failures mark only the affected record.
func (s *EntityStore) UpsertBatch(ctx context.Context, outcomes []harvest.Outcome) ([]harvest.UpsertResult, error) {
	now := s.clock.Now()
	results := make([]harvest.UpsertResult, len(outcomes))
	for i, outcome := range outcomes {
		results[i] = harvest.UpsertResult{Index: i, Status: harvest.UpsertApplied}
		if err := s.applyOutcome(ctx, outcome, now); err != nil {
			if isTransient(err) {
				return nil, harvest.Transient(fmt.Errorf("upsert batch at record %d: %w", i, err))
			}
			results[i] = harvest.UpsertResult{Index: i, Status: harvest.UpsertFailed, Err: err}
		}
	}
	return results, nil
}

func (s *EntityStore) applyOutcome(ctx context.Context, outcome harvest.Outcome, now time.Time) error {
	e := outcome.Entity
	if outcome.Kind == harvest.OutcomeUnchanged {
		if _, err := s.pool.Exec(ctx, touchEntityQuery, e.IdentityDigest, now, e.JobID); err != nil {
			return fmt.Errorf("touch entity: %w", err)
		}
		return nil
	}
	tag, err := s.pool.Exec(ctx, upsertEntityQuery,
		e.IdentityDigest,
		e.ContentDigest,
		e.URL,
		e.Title,
		e.Description,
		e.Tags,
		e.Source,
		e.JobID,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Conflict with an identical content digest; only the sighting moves.
		if _, err := s.pool.Exec(ctx, touchEntityQuery, e.IdentityDigest, now, e.JobID); err != nil {
			return fmt.Errorf("touch entity after conflict: %w", err)
		}
	}
	return nil
}

const archiveUnseenQuery = `
UPDATE entities
SET status = 'archived', updated_at = $3
WHERE source = $1 AND status = 'active' AND crawl_job_id <> $2;
`

// ArchiveUnseen archives active entities of the source not touched by the
// given job.
func (s *EntityStore) ArchiveUnseen(ctx context.Context, source, jobID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, archiveUnseenQuery, source, jobID, s.clock.Now())
	if err != nil {
		return 0, classify(fmt.Errorf("archive unseen: %w", err))
	}
	return tag.RowsAffected(), nil
}

// classify wraps retryable failures so callers can distinguish them.
func classify(err error) error {
	if isTransient(err) {
		return harvest.Transient(err)
	}
	return err
}

// isTransient reports whether the error looks like a connection hiccup or
// timeout worth retrying, as opposed to a statement-level failure.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception; class 53: insufficient resources;
		// class 57: operator intervention (shutdown).
		for _, class := range []string{"08", "53", "57"} {
			if strings.HasPrefix(pgErr.Code, class) {
				return true
			}
		}
	}
	return false
}
