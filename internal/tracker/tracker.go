// Package tracker maintains per-job running statistics and the completion
// estimate, and commits them to the job state machine on a bounded cadence.
package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/batch"
	"github.com/opendatanet/harvester/internal/harvest"
	"github.com/opendatanet/harvester/internal/job"
	"github.com/opendatanet/harvester/internal/progress"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	defaultFlushEvery    = 25
	defaultFlushInterval = 5 * time.Second
)

// Config bounds how often accumulated deltas are committed to the machine.
type Config struct {
	// FlushEvery commits after this many record-level updates.
	FlushEvery int
	// FlushInterval commits after this much time since the last commit.
	FlushInterval time.Duration
}

// Tracker aggregates counters for one job and pushes them to the job state
// machine as deltas. Like the batch accumulator it is owned by the job's
// orchestrator goroutine and is not safe for concurrent use.
type Tracker struct {
	machine *job.Machine
	emitter progress.Emitter
	clock   harvest.Clock
	cfg     Config
	logger  *zap.Logger

	site   string
	jobKey [16]byte

	pending    harvest.JobStats
	sinceFlush int
	lastFlush  time.Time

	pagesCrawled   int
	estimatedPages int
	currentPage    string
}

// New constructs a Tracker bound to one job. estimatedPages seeds the
// completion estimate and may be revised by PageCompleted; zero means
// unknown until the source reports one.
func New(machine *job.Machine, emitter progress.Emitter, clock harvest.Clock, site string, estimatedPages int, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		machine:        machine,
		emitter:        emitter,
		clock:          clock,
		cfg:            cfg,
		logger:         logger,
		site:           site,
		jobKey:         progress.JobKey(machine.JobID()),
		lastFlush:      clock.Now(),
		estimatedPages: estimatedPages,
	}
}

// Totals returns all counters committed and pending so far, including
// pages crawled. Used for the final absolute stats on completion.
func (t *Tracker) Totals() harvest.JobStats {
	totals := t.machine.Snapshot().Stats
	totals.Add(t.pending)
	totals.PagesCrawled = t.pagesCrawled
	return totals
}

// PagesCrawled returns how many pages the job has completed so far.
func (t *Tracker) PagesCrawled() int {
	return t.pagesCrawled
}

// JobStarted emits the lifecycle start event.
func (t *Tracker) JobStarted() {
	t.emit(progress.Event{Stage: progress.StageJobStart})
}

// JobFinished emits the terminal lifecycle event. result is the terminal
// status label; dur is the job's wall time.
func (t *Tracker) JobFinished(result string, dur time.Duration, errText string) {
	stage := progress.StageJobDone
	note := result
	if result == string(harvest.JobStatusFailed) {
		stage = progress.StageJobError
		note = errText
	}
	t.emit(progress.Event{Stage: stage, Dur: dur, Note: note})
}

// Found counts one discovered record. It does not decide the record's
// terminal bucket; that arrives later via an outcome or flush call.
func (t *Tracker) Found(ctx context.Context) {
	t.pending.Found++
	t.bump(ctx)
}

// Duplicate counts a record whose identity was already admitted by this job.
func (t *Tracker) Duplicate(ctx context.Context, url string) {
	t.pending.DuplicatesSkipped++
	t.emit(progress.Event{Stage: progress.StageOutcome, URL: url, Outcome: progress.OutcomeDuplicate})
	t.bump(ctx)
}

// RecordError counts a record dropped for validation or persistence reasons.
func (t *Tracker) RecordError(ctx context.Context, url string) {
	t.pending.Errors++
	t.emit(progress.Event{Stage: progress.StageOutcome, URL: url, Outcome: progress.OutcomeError})
	t.bump(ctx)
}

// PageError counts a crawler-reported page failure. The page is accounted as
// one found-and-errored unit so the counter conservation property survives
// crawl errors.
func (t *Tracker) PageError(ctx context.Context, pageURL string) {
	t.pending.Found++
	t.pending.Errors++
	t.emit(progress.Event{Stage: progress.StagePageError, URL: pageURL})
	t.emit(progress.Event{Stage: progress.StageOutcome, URL: pageURL, Outcome: progress.OutcomeError})
	t.bump(ctx)
}

// ApplyFlush folds one accumulator flush result into the counters and emits
// the per-outcome and batch events.
func (t *Tracker) ApplyFlush(ctx context.Context, res batch.Result, dur time.Duration) {
	if res.Empty() {
		return
	}
	t.pending.Created += res.Created
	t.pending.Updated += res.Updated
	t.pending.Unchanged += res.Unchanged
	t.pending.Errors += res.Failed
	t.emitOutcomes(progress.OutcomeCreated, res.Created)
	t.emitOutcomes(progress.OutcomeUpdated, res.Updated)
	t.emitOutcomes(progress.OutcomeUnchanged, res.Unchanged)
	t.emitOutcomes(progress.OutcomeError, res.Failed)
	records := int64(res.Created + res.Updated + res.Unchanged + res.Failed)
	t.emit(progress.Event{Stage: progress.StageBatch, Records: records, Dur: dur})
	t.sinceFlush += int(records)
	t.maybeCommit(ctx)
}

// PageCompleted advances the page cursor and recomputes the completion
// percentage. estimatedPages revises the total when the source reports a
// larger one; the percentage may move backwards as a result, which is
// accepted rather than corrected.
func (t *Tracker) PageCompleted(ctx context.Context, pageURL string, estimatedPages int) {
	t.pagesCrawled++
	t.currentPage = pageURL
	if estimatedPages > t.estimatedPages {
		t.estimatedPages = estimatedPages
	}
	t.pending.PagesCrawled++
	t.emit(progress.Event{Stage: progress.StagePage, URL: pageURL})
	if err := t.machine.UpdateProgress(ctx, t.percentage(), pageURL); err != nil {
		t.logger.Warn("progress update rejected", zap.String("job_id", t.machine.JobID()), zap.Error(err))
	}
}

// Commit pushes pending deltas to the job state machine regardless of
// cadence. Called unconditionally before terminal transitions.
func (t *Tracker) Commit(ctx context.Context) {
	if t.pending.IsZero() {
		t.lastFlush = t.clock.Now()
		t.sinceFlush = 0
		return
	}
	if err := t.machine.UpdateStats(ctx, t.pending); err != nil {
		t.logger.Warn("stats update rejected", zap.String("job_id", t.machine.JobID()), zap.Error(err))
	}
	t.pending = harvest.JobStats{}
	t.sinceFlush = 0
	t.lastFlush = t.clock.Now()
	t.emit(progress.Event{Stage: progress.StageJobHB, Records: int64(t.machine.Snapshot().Stats.Found)})
}

// CommitIfStale commits when the flush interval has elapsed. Driven by the
// orchestrator's housekeeping tick.
func (t *Tracker) CommitIfStale(ctx context.Context) {
	if t.pending.IsZero() {
		return
	}
	if t.clock.Now().Sub(t.lastFlush) >= t.cfg.FlushInterval {
		t.Commit(ctx)
	}
}

func (t *Tracker) bump(ctx context.Context) {
	t.sinceFlush++
	t.maybeCommit(ctx)
}

func (t *Tracker) maybeCommit(ctx context.Context) {
	if t.sinceFlush >= t.cfg.FlushEvery {
		t.Commit(ctx)
	}
}

// percentage derives completion from pages, clamped to [0,100]. An unknown
// total reports 0 until the source supplies an estimate.
func (t *Tracker) percentage() float64 {
	if t.estimatedPages <= 0 {
		return 0
	}
	pct := float64(t.pagesCrawled) / float64(t.estimatedPages) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (t *Tracker) emitOutcomes(label progress.OutcomeLabel, n int) {
	for i := 0; i < n; i++ {
		t.emit(progress.Event{Stage: progress.StageOutcome, Outcome: label})
	}
}

func (t *Tracker) emit(evt progress.Event) {
	if t.emitter == nil {
		return
	}
	evt.JobID = t.jobKey
	evt.TS = t.clock.Now()
	if evt.Site == "" {
		evt.Site = t.site
	}
	t.emitter.Emit(evt)
}
