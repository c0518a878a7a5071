// Package batch buffers classified outcomes and flushes them to the entity
// store in bounded, retried batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/harvest"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	defaultSize           = 10
	defaultFlushInterval  = 5 * time.Second
	defaultMaxRetries     = 3
	defaultBackoffInitial = 250 * time.Millisecond
	defaultBackoffMax     = 2 * time.Second
)

// ErrStoreUnavailable signals that the entity store rejected the whole batch
// beyond the retry budget and per-record submission fared no better. The
// owning job should fail.
var ErrStoreUnavailable = errors.New("entity store unavailable")

// Config controls Accumulator behavior.
type Config struct {
	// Size triggers a flush once this many outcomes are buffered.
	Size int
	// FlushInterval triggers a flush when this much time has passed since
	// the last one, even if the buffer is small.
	FlushInterval time.Duration
	// MaxRetries bounds whole-batch retries on transient store failures.
	MaxRetries int
	// BackoffInitial and BackoffMax shape the exponential retry backoff.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Result summarizes one flush: how many outcomes of each kind were durably
// applied and how many individual records failed permanently.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Failed    int
}

// Empty reports whether the flush applied or failed nothing.
func (r Result) Empty() bool {
	return r == Result{}
}

// Accumulator buffers outcomes for a single job. It is owned by the job's
// orchestrator goroutine and is not safe for concurrent use; per-job record
// processing is strictly serialized upstream.
type Accumulator struct {
	store     harvest.EntityStore
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
	buf       []harvest.Outcome
	lastFlush time.Time

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an Accumulator, filling zero config fields with defaults.
func New(store harvest.EntityStore, clock harvest.Clock, cfg Config, logger *zap.Logger) *Accumulator {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{
		store:     store,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		buf:       make([]harvest.Outcome, 0, cfg.Size),
		lastFlush: clock.Now(),
		sleep:     sleepCtx,
	}
}

// Pending returns the number of buffered outcomes.
func (a *Accumulator) Pending() int {
	return len(a.buf)
}

// Add buffers one outcome, flushing when the size threshold is reached. The
// returned Result is zero unless a flush happened.
func (a *Accumulator) Add(ctx context.Context, outcome harvest.Outcome) (Result, error) {
	a.buf = append(a.buf, outcome)
	if len(a.buf) < a.cfg.Size {
		return Result{}, nil
	}
	return a.Flush(ctx)
}

// FlushIfStale flushes the buffer when the flush interval has elapsed since
// the last flush. The orchestrator drives this from its event loop ticker so
// all accumulator access stays on one goroutine.
func (a *Accumulator) FlushIfStale(ctx context.Context) (Result, error) {
	if len(a.buf) == 0 || a.clock.Now().Sub(a.lastFlush) < a.cfg.FlushInterval {
		return Result{}, nil
	}
	return a.Flush(ctx)
}

// Flush hands the buffered batch to the entity store. Transient whole-batch
// failures are retried with exponential backoff up to the configured budget,
// then the batch falls back to per-record submission so a single malformed
// record cannot block its batch-mates. Individual failures are counted into
// the Result, never retried indefinitely. The buffer is always drained:
// every outcome ends up either applied or counted as failed.
func (a *Accumulator) Flush(ctx context.Context) (Result, error) {
	a.lastFlush = a.clock.Now()
	if len(a.buf) == 0 {
		return Result{}, nil
	}
	outcomes := a.buf
	a.buf = make([]harvest.Outcome, 0, a.cfg.Size)

	results, err := a.upsertWithRetry(ctx, outcomes)
	if err != nil {
		a.logger.Warn("batch upsert exhausted retries, falling back to per-record submission",
			zap.Int("batch_size", len(outcomes)),
			zap.Error(err),
		)
		return a.flushPerRecord(ctx, outcomes)
	}
	return tally(outcomes, results), nil
}

func (a *Accumulator) upsertWithRetry(ctx context.Context, outcomes []harvest.Outcome) ([]harvest.UpsertResult, error) {
	var lastErr error
	backoff := a.cfg.BackoffInitial
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := a.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			if backoff > a.cfg.BackoffMax {
				backoff = a.cfg.BackoffMax
			}
		}
		results, err := a.store.UpsertBatch(ctx, outcomes)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if !harvest.IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

// flushPerRecord submits each outcome on its own, one attempt each. When
// every record of a non-trivial batch fails transiently the store is
// considered unavailable and the error is escalated to the job.
func (a *Accumulator) flushPerRecord(ctx context.Context, outcomes []harvest.Outcome) (Result, error) {
	var res Result
	allTransient := true
	for i := range outcomes {
		single := outcomes[i : i+1]
		results, err := a.store.UpsertBatch(ctx, single)
		if err != nil {
			res.Failed++
			if !harvest.IsTransient(err) {
				allTransient = false
			}
			a.logger.Warn("record upsert failed",
				zap.String("identity_digest", outcomes[i].Entity.IdentityDigest),
				zap.Error(err),
			)
			continue
		}
		allTransient = false
		partial := tally(single, results)
		res.Created += partial.Created
		res.Updated += partial.Updated
		res.Unchanged += partial.Unchanged
		res.Failed += partial.Failed
	}
	if res.Failed == len(outcomes) && allTransient {
		return res, fmt.Errorf("per-record fallback failed for all %d records: %w", len(outcomes), ErrStoreUnavailable)
	}
	return res, nil
}

func tally(outcomes []harvest.Outcome, results []harvest.UpsertResult) Result {
	var res Result
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(outcomes) {
			continue
		}
		if r.Status != harvest.UpsertApplied {
			res.Failed++
			continue
		}
		switch outcomes[r.Index].Kind {
		case harvest.OutcomeCreate:
			res.Created++
		case harvest.OutcomeUpdate:
			res.Updated++
		case harvest.OutcomeUnchanged:
			res.Unchanged++
		}
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
