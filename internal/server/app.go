// Package server assembles the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/api"
	"github.com/opendatanet/harvester/internal/batch"
	"github.com/opendatanet/harvester/internal/clock/system"
	"github.com/opendatanet/harvester/internal/config"
	"github.com/opendatanet/harvester/internal/dispatcher"
	"github.com/opendatanet/harvester/internal/harvest"
	"github.com/opendatanet/harvester/internal/id/uuid"
	"github.com/opendatanet/harvester/internal/logging"
	"github.com/opendatanet/harvester/internal/orchestrator"
	"github.com/opendatanet/harvester/internal/progress"
	progresssinks "github.com/opendatanet/harvester/internal/progress/sinks"
	queuememory "github.com/opendatanet/harvester/internal/queue/memory"
	queuepubsub "github.com/opendatanet/harvester/internal/queue/pubsub"
	"github.com/opendatanet/harvester/internal/registry"
	collysource "github.com/opendatanet/harvester/internal/source/colly"
	gcsstorage "github.com/opendatanet/harvester/internal/storage/gcs"
	localstorage "github.com/opendatanet/harvester/internal/storage/local"
	memorystorage "github.com/opendatanet/harvester/internal/storage/memory"
	pgstore "github.com/opendatanet/harvester/internal/storage/postgres"
	"github.com/opendatanet/harvester/internal/tracker"
)

// App holds the assembled application and the handles needed for shutdown.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher

	progressHub *progress.Hub
	memQueue    *queuememory.Queue
	psQueue     *queuepubsub.Queue
	gcsClient   *storage.Client
	pool        *pgxpool.Pool
}

// Build creates the application's dependencies from the configuration.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("storage", cfg.Storage.Provider),
		zap.Int("sites", len(cfg.Sites)),
	)

	clock := system.New()

	jobs, entities, err := app.setupStores(ctx, clock)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := app.setupQueue(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress()
	if err != nil {
		return nil, err
	}

	reg := registry.New(jobs, queue, uuid.New(), clock, logger.Named("registry"))

	sources := collysource.NewFactory(collysource.Config{
		BufferSize:      cfg.Harvest.SourceBufferSize,
		ShutdownTimeout: time.Duration(cfg.Harvest.SourceStopSeconds) * time.Second,
	}, cfg.SourceSites(), logger.Named("source"))

	app.dispatch = dispatcher.New(queue, jobs, entities, blobs, sources, reg, emitter, clock,
		dispatcher.Config{
			Workers: cfg.Harvest.Workers,
			Orchestrator: orchestrator.Config{
				Batch: batch.Config{
					Size:           cfg.Harvest.BatchSize,
					FlushInterval:  cfg.Harvest.FlushInterval(),
					MaxRetries:     cfg.Harvest.MaxRetries,
					BackoffInitial: time.Duration(cfg.Harvest.BackoffInitialMs) * time.Millisecond,
					BackoffMax:     time.Duration(cfg.Harvest.BackoffMaxMs) * time.Millisecond,
				},
				Tracker: tracker.Config{
					FlushEvery:    cfg.Harvest.StatsEveryRecords,
					FlushInterval: cfg.Harvest.StatsInterval(),
				},
			},
			PageEstimates: cfg.PageEstimates(),
		}, logger.Named("dispatcher"))

	app.apiServer = api.NewServer(reg,
		time.Duration(cfg.Server.TimeoutSeconds)*time.Second, logger.Named("api"))

	return app, nil
}

// Run starts the dispatcher and HTTP server and blocks until the context is
// cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
		close(dispatchDone)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	// Let in-flight jobs drain before tearing down infrastructure.
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not drain before deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application's infrastructure.
func (a *App) Close(ctx context.Context) error {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.psQueue != nil {
		if err := a.psQueue.Close(); err != nil {
			a.logger.Warn("pubsub queue close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupStores(ctx context.Context, clock harvest.Clock) (harvest.JobStore, harvest.EntityStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no database dsn configured, using in-memory stores")
		return memorystorage.NewJobStore(), memorystorage.NewEntityStore(clock), nil
	}

	pool, err := pgstore.NewPool(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        int32(a.cfg.DB.MaxConns),
		MinConns:        int32(a.cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMinute) * time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("database pool init failed: %w", err)
	}
	a.pool = pool

	jobs, err := pgstore.NewJobStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("job store init failed: %w", err)
	}
	entities, err := pgstore.NewEntityStore(pool, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("entity store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized")
	return jobs, entities, nil
}

func (a *App) setupBlobStore(ctx context.Context) (harvest.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using gcs blob storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob storage", zap.String("dir", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory blob storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupQueue(ctx context.Context) (harvest.Queue, error) {
	if a.cfg.Queue.Provider == "pubsub" {
		queue, err := queuepubsub.New(ctx, queuepubsub.Config{
			ProjectID:      a.cfg.Queue.ProjectID,
			TopicID:        a.cfg.Queue.TopicID,
			SubscriptionID: a.cfg.Queue.SubscriptionID,
		}, a.logger.Named("queue"))
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.psQueue = queue
		a.logger.Info("using pubsub work queue",
			zap.String("project", a.cfg.Queue.ProjectID),
			zap.String("topic", a.cfg.Queue.TopicID),
		)
		return queue, nil
	}
	a.memQueue = queuememory.NewQueue(a.cfg.Queue.Depth)
	a.logger.Info("using in-memory work queue", zap.Int("depth", a.cfg.Queue.Depth))
	return a.memQueue, nil
}

func (a *App) setupProgress() (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	a.progressHub = progress.NewHub(progress.Config{
		Logger: a.logger.Named("progress_hub"),
	}, promSink, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	return a.progressHub, nil
}
