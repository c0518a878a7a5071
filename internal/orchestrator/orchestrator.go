// Package orchestrator drives one crawl job end to end: it consumes the
// source's ordered event stream, classifies records, hands outcomes to the
// batch accumulator and commits statistics through the job state machine.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/batch"
	"github.com/opendatanet/harvester/internal/harvest"
	"github.com/opendatanet/harvester/internal/identity"
	"github.com/opendatanet/harvester/internal/job"
	"github.com/opendatanet/harvester/internal/tracker"
)

const defaultHousekeepInterval = time.Second

// Config bundles the per-job knobs the orchestrator and its collaborators
// need.
type Config struct {
	Batch   batch.Config
	Tracker tracker.Config
	// HousekeepInterval is the tick driving time-based accumulator flushes
	// and stats commits (default 1s).
	HousekeepInterval time.Duration
}

// Orchestrator runs a single job. All event processing happens on the one
// goroutine that calls Run, so classification for a job always sees a
// consistent view and per-job statistics never race.
type Orchestrator struct {
	machine  *job.Machine
	source   harvest.Source
	entities harvest.EntityStore
	acc      *batch.Accumulator
	trk      *tracker.Tracker
	clock    harvest.Clock
	logger   *zap.Logger
	cfg      Config

	maxPages int

	cancelOnce sync.Once
	cancelled  chan struct{}

	// seen suppresses records whose identity digest was already admitted by
	// this job.
	seen map[string]struct{}

	// failure holds the first job-fatal condition; checked at finalization.
	failureMsg     string
	failureDetails map[string]string

	doneSuccess bool
	doneReason  string
}

// New wires an orchestrator for one job run. The accumulator is constructed
// here so its single-owner contract is anchored to the Run goroutine.
func New(
	machine *job.Machine,
	source harvest.Source,
	entities harvest.EntityStore,
	trk *tracker.Tracker,
	clock harvest.Clock,
	cfg Config,
	maxPages int,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.HousekeepInterval <= 0 {
		cfg.HousekeepInterval = defaultHousekeepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		machine:   machine,
		source:    source,
		entities:  entities,
		acc:       batch.New(entities, clock, cfg.Batch, logger),
		trk:       trk,
		clock:     clock,
		logger:    logger.With(zap.String("job_id", machine.JobID())),
		cfg:       cfg,
		maxPages:  maxPages,
		cancelled: make(chan struct{}),
		seen:      make(map[string]struct{}),
	}
}

// RequestCancel sets the cooperative cancellation flag and signals the source
// to stop producing. Already-admitted work is preserved; the loop drains
// until the source emits its terminal event. Idempotent.
func (o *Orchestrator) RequestCancel() {
	o.cancelOnce.Do(func() {
		close(o.cancelled)
		o.source.RequestStop()
		o.logger.Info("cancel requested")
	})
}

// Snapshot returns the immutable view of the job's current fields.
func (o *Orchestrator) Snapshot() harvest.JobSnapshot {
	return o.machine.Snapshot()
}

// Run transitions the job to running, consumes the source stream to
// completion and commits the terminal transition. It returns the error of
// the terminal transition, or the start error if the job never ran.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.machine.Start(ctx); err != nil {
		// The job was resolved underneath us (a cancel racing the dequeue,
		// typically). The source is already producing; stop it and drain so
		// its goroutine does not keep crawling.
		o.source.RequestStop()
		for range o.source.Events() {
		}
		return err
	}
	started := o.clock.Now()
	o.trk.JobStarted()
	o.logger.Info("job started")

	ticker := time.NewTicker(o.cfg.HousekeepInterval)
	defer ticker.Stop()

	events := o.source.Events()
loop:
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				break loop
			}
			o.handleEvent(ctx, evt)
			if evt.Kind == harvest.EventDone {
				break loop
			}
		case <-ticker.C:
			o.applyFlush(ctx)(o.acc.FlushIfStale(ctx))
			o.trk.CommitIfStale(ctx)
		}
	}

	return o.finalize(ctx, started)
}

func (o *Orchestrator) handleEvent(ctx context.Context, evt harvest.SourceEvent) {
	switch evt.Kind {
	case harvest.EventRecord:
		// The cancellation flag is observed before each new record;
		// in-flight work is never abandoned.
		if o.isCancelled() {
			return
		}
		o.processRecord(ctx, evt.Record)
	case harvest.EventPage:
		o.trk.PageCompleted(ctx, evt.PageURL, evt.EstimatedPages)
	case harvest.EventPageError:
		o.logger.Warn("page error", zap.String("url", evt.PageURL), zap.String("reason", evt.Reason))
		o.trk.PageError(ctx, evt.PageURL)
	case harvest.EventDone:
		o.doneSuccess = evt.Success
		o.doneReason = evt.Reason
	}
}

func (o *Orchestrator) processRecord(ctx context.Context, rec harvest.DiscoveredRecord) {
	o.trk.Found(ctx)

	if err := identity.Validate(rec); err != nil {
		o.logger.Debug("record rejected", zap.String("url", rec.URL), zap.Error(err))
		o.trk.RecordError(ctx, rec.URL)
		return
	}

	digest := identity.IdentityDigest(rec.URL)
	if _, dup := o.seen[digest]; dup {
		o.trk.Duplicate(ctx, rec.URL)
		return
	}
	o.seen[digest] = struct{}{}

	var existing *harvest.PersistedEntity
	current, err := o.entities.FindByIdentity(ctx, digest)
	switch {
	case err == nil:
		existing = &current
	case errors.Is(err, harvest.ErrNotFound):
	default:
		o.logger.Warn("identity lookup failed", zap.String("url", rec.URL), zap.Error(err))
		o.trk.RecordError(ctx, rec.URL)
		return
	}

	outcome := identity.Classify(rec, existing)
	outcome.Entity.JobID = o.machine.JobID()
	o.applyFlush(ctx)(o.acc.Add(ctx, outcome))
}

// applyFlush folds an accumulator flush result into the tracker and records
// store-unavailable escalations as the job's failure.
func (o *Orchestrator) applyFlush(ctx context.Context) func(batch.Result, error) {
	before := o.clock.Now()
	return func(res batch.Result, err error) {
		if !res.Empty() {
			o.trk.ApplyFlush(ctx, res, o.clock.Now().Sub(before))
		}
		if err == nil {
			return
		}
		o.logger.Error("batch flush failed", zap.Error(err))
		if errors.Is(err, batch.ErrStoreUnavailable) && o.failureMsg == "" {
			o.failureMsg = "persistence unavailable: batch flush exhausted retries"
			o.failureDetails = map[string]string{"error": err.Error()}
			// No point continuing to crawl; drain and fail.
			o.source.RequestStop()
		}
	}
}

func (o *Orchestrator) finalize(ctx context.Context, started time.Time) error {
	// Preserve already-collected work before any terminal transition.
	o.applyFlush(ctx)(o.acc.Flush(ctx))
	o.trk.Commit(ctx)
	dur := o.clock.Now().Sub(started)

	switch {
	case o.failureMsg != "":
		o.trk.JobFinished(string(harvest.JobStatusFailed), dur, o.failureMsg)
		return o.machine.Fail(ctx, o.failureMsg, o.failureDetails)

	case o.isCancelled():
		o.trk.JobFinished(string(harvest.JobStatusCancelled), dur, "")
		o.logger.Info("job cancelled", zap.Duration("runtime", dur))
		return o.machine.Cancel(ctx)

	case !o.doneSuccess:
		msg := o.doneReason
		if msg == "" {
			msg = "source terminated unsuccessfully"
		}
		o.trk.JobFinished(string(harvest.JobStatusFailed), dur, msg)
		return o.machine.Fail(ctx, msg, nil)

	default:
		o.archiveStale(ctx)
		totals := o.trk.Totals()
		o.trk.JobFinished(string(harvest.JobStatusCompleted), dur, "")
		o.logger.Info("job completed", zap.Duration("runtime", dur), zap.Int("found", totals.Found))
		return o.machine.Complete(ctx, totals)
	}
}

// archiveStale soft-deletes entities of this source the job did not re-see.
// Only a full pass is authoritative for absence, so truncated runs skip it.
func (o *Orchestrator) archiveStale(ctx context.Context) {
	if o.maxPages > 0 && o.trk.PagesCrawled() >= o.maxPages {
		o.logger.Debug("skipping stale archival after truncated pass")
		return
	}
	snap := o.machine.Snapshot()
	archived, err := o.entities.ArchiveUnseen(ctx, snap.SiteID, snap.ID)
	if err != nil {
		o.logger.Warn("stale archival failed", zap.Error(err))
		return
	}
	if archived > 0 {
		o.logger.Info("archived stale entities", zap.Int64("archived", archived))
	}
}

func (o *Orchestrator) isCancelled() bool {
	select {
	case <-o.cancelled:
		return true
	default:
		return false
	}
}
