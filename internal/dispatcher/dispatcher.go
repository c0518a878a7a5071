// Package dispatcher fans queued crawl jobs out to a pool of workers, each
// running one orchestrator at a time.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/harvest"
	"github.com/opendatanet/harvester/internal/job"
	"github.com/opendatanet/harvester/internal/orchestrator"
	"github.com/opendatanet/harvester/internal/progress"
	"github.com/opendatanet/harvester/internal/registry"
	"github.com/opendatanet/harvester/internal/storage/dump"
	"github.com/opendatanet/harvester/internal/tracker"
)

const dequeueRetryDelay = time.Second

// Config controls dispatcher behavior.
type Config struct {
	// Workers is the number of concurrent job slots (default 2).
	Workers int
	// Orchestrator is passed through to every job run.
	Orchestrator orchestrator.Config
	// PageEstimates seeds the per-site page estimate used for progress until
	// the source revises it.
	PageEstimates map[string]int
}

// Dispatcher consumes the work queue and runs one orchestrator per item.
type Dispatcher struct {
	queue    harvest.Queue
	jobs     harvest.JobStore
	entities harvest.EntityStore
	blobs    harvest.BlobStore
	sources  harvest.SourceFactory
	reg      *registry.Registry
	emitter  progress.Emitter
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger
}

// New wires a Dispatcher. blobs backs the test-mode dump side channel and may
// be nil if test mode is never used.
func New(
	queue harvest.Queue,
	jobs harvest.JobStore,
	entities harvest.EntityStore,
	blobs harvest.BlobStore,
	sources harvest.SourceFactory,
	reg *registry.Registry,
	emitter progress.Emitter,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		jobs:     jobs,
		entities: entities,
		blobs:    blobs,
		sources:  sources,
		reg:      reg,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run starts the worker pool and blocks until the context finishes and all
// in-flight jobs have wound down.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			d.workerLoop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, slot int) {
	logger := d.logger.With(zap.Int("worker", slot))
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		d.runJob(ctx, item, logger)
	}
}

// runJob executes one queued job to its terminal state.
func (d *Dispatcher) runJob(ctx context.Context, item harvest.QueueItem, logger *zap.Logger) {
	logger = logger.With(zap.String("job_id", item.JobID), zap.String("site_id", item.SiteID))

	row, err := d.jobs.GetJob(ctx, item.JobID)
	if err != nil {
		logger.Error("loading queued job failed", zap.Error(err))
		return
	}
	if row.Status != harvest.JobStatusPending {
		// Cancelled (or otherwise resolved) while sitting in the queue.
		logger.Info("skipping queued job", zap.String("status", string(row.Status)))
		return
	}

	machine := job.NewMachine(row, d.jobs, d.clock, logger)

	source, err := d.sources.NewSource(ctx, item.SiteID, item.Options)
	if err != nil {
		logger.Error("source init failed", zap.Error(err))
		if failErr := machine.Fail(ctx, "source init failed: "+err.Error(), nil); failErr != nil {
			logger.Error("failing job", zap.Error(failErr))
		}
		return
	}

	entities := d.entities
	if item.Options.TestMode {
		entities = dump.New(d.blobs, d.clock, item.JobID)
		logger.Info("test mode: outcomes diverted to dump store")
	}

	trk := tracker.New(machine, d.emitter, d.clock, item.SiteID,
		d.cfg.PageEstimates[item.SiteID], d.cfg.Orchestrator.Tracker, logger)
	orc := orchestrator.New(machine, source, entities, trk, d.clock,
		d.cfg.Orchestrator, item.Options.MaxPages, logger)

	d.reg.Attach(orc)
	defer d.reg.Detach(item.JobID)

	if err := orc.Run(ctx); err != nil {
		if harvest.IsInvalidTransition(err) {
			// A cancel won the race between the pending-check and start.
			logger.Info("job resolved before start", zap.Error(err))
			return
		}
		logger.Error("job run finished with error", zap.Error(err))
		return
	}
	logger.Info("job run finished", zap.String("status", string(machine.Status())))
}
