// Package server wires configuration into a running indexer process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/booky-indexer/internal/api"
	"github.com/JakeFAU/booky-indexer/internal/bookmark"
	"github.com/JakeFAU/booky-indexer/internal/clock/system"
	"github.com/JakeFAU/booky-indexer/internal/config"
	"github.com/JakeFAU/booky-indexer/internal/dispatcher"
	"github.com/JakeFAU/booky-indexer/internal/extract"
	collyfetcher "github.com/JakeFAU/booky-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/booky-indexer/internal/logging"
	"github.com/JakeFAU/booky-indexer/internal/metrics"
	"github.com/JakeFAU/booky-indexer/internal/policy/ratelimit"
	"github.com/JakeFAU/booky-indexer/internal/progress"
	"github.com/JakeFAU/booky-indexer/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/booky-indexer/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/booky-indexer/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/booky-indexer/internal/queue/memory"
	redisqueue "github.com/JakeFAU/booky-indexer/internal/queue/redis"
	"github.com/JakeFAU/booky-indexer/internal/search"
	gcsstorage "github.com/JakeFAU/booky-indexer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/booky-indexer/internal/storage/local"
	memoryStorage "github.com/JakeFAU/booky-indexer/internal/storage/memory"
	pgstore "github.com/JakeFAU/booky-indexer/internal/storage/postgres"
	"github.com/JakeFAU/booky-indexer/internal/telemetry"
	"github.com/JakeFAU/booky-indexer/internal/worker"
)

const readyProbeTimeout = 2 * time.Second

// RunOptions selects which loops a process runs.
type RunOptions struct {
	// API serves the public /v1 routes. Without it only probes and metrics
	// are served.
	API bool
	// Workers starts the processing pool.
	Workers bool
}

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	records        *pgstore.BookmarkStore
	index          *search.Index
	queue          bookmark.Queue
	publisher      bookmark.Publisher
	events         *progress.Hub
	pubsub         *gcppublisher.Publisher
	storage        *storage.Client
	dispatch       *dispatcher.Dispatcher
	searchService  *search.Service
	checks         []api.Check
	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("snapshot_backend", cfg.Snapshot.Backend),
		zap.Bool("redis_queue", cfg.Redis.Addr != ""),
		zap.Int("workers", cfg.Worker.Concurrency),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.setup(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) setup(ctx context.Context) error {
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	if err := a.setupIndex(ctx); err != nil {
		return err
	}
	snapshots, err := a.setupSnapshots(ctx)
	if err != nil {
		return err
	}
	if err := a.setupQueue(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	a.setupEvents()
	a.setupDispatcher(snapshots)
	a.searchService = search.NewService(a.index, a.records, search.ServiceConfig{
		MaxLimit: a.cfg.Search.MaxLimit,
	}, a.logger.Named("search"))
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	records, err := pgstore.NewBookmarkStore(ctx, pgstore.StoreConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("bookmark store init failed: %w", err)
	}
	a.records = records
	a.checks = append(a.checks, api.Check{Name: "postgres", Probe: records.Ping})
	a.logger.Info("bookmark store initialized")
	return nil
}

func (a *App) setupIndex(ctx context.Context) error {
	client, err := search.NewClient(search.ClientConfig{
		URL:        a.cfg.Elasticsearch.URL,
		Username:   a.cfg.Elasticsearch.Username,
		Password:   a.cfg.Elasticsearch.Password,
		MaxRetries: a.cfg.Elasticsearch.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("elasticsearch client init failed: %w", err)
	}
	a.index = search.NewIndex(client, search.IndexConfig{
		Name:    a.cfg.Elasticsearch.Index,
		Refresh: a.cfg.Elasticsearch.Refresh,
		Timeout: a.cfg.Elasticsearch.Timeout,
	}, a.logger.Named("index"))
	if err := a.index.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensure search index: %w", err)
	}
	a.checks = append(a.checks, api.Check{Name: "elasticsearch", Probe: a.index.Ping})
	a.logger.Info("search index ready", zap.String("index", a.index.Name()))
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (bookmark.SnapshotStore, error) {
	switch a.cfg.Snapshot.Backend {
	case config.SnapshotBackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Snapshot.GCSBucket,
			Prefix: a.cfg.Snapshot.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot backend", zap.String("bucket", a.cfg.Snapshot.GCSBucket))
		return store, nil
	case config.SnapshotBackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshot.Dir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot store init failed: %w", err)
		}
		a.logger.Info("using local snapshot backend", zap.String("path", a.cfg.Snapshot.Dir))
		return store, nil
	default:
		a.logger.Warn("using in-memory snapshot backend; snapshots are lost on restart")
		return memoryStorage.NewSnapshotStore(), nil
	}
}

func (a *App) setupQueue(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.logger.Warn("no redis address configured, using in-memory queue")
		a.queue = queueMemory.NewQueue(a.cfg.Worker.QueueCapacity)
		return nil
	}
	client, err := redisqueue.NewClient(ctx, redisqueue.ClientConfig{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("redis client init failed: %w", err)
	}
	q, err := newRedisQueue(ctx, client, a.cfg.Redis, a.cfg.Worker.MaxAttempts, a.logger)
	if err != nil {
		_ = client.Close()
		return err
	}
	a.queue = q
	a.checks = append(a.checks, api.Check{Name: "redis", Probe: q.Ping})
	a.logger.Info("redis queue initialized",
		zap.String("addr", a.cfg.Redis.Addr),
		zap.String("stream", a.cfg.Redis.Stream),
		zap.String("group", a.cfg.Redis.Group),
	)
	return nil
}

func newRedisQueue(ctx context.Context, client *redis.Client, cfg config.RedisConfig, maxAttempts int, logger *zap.Logger) (*redisqueue.Queue, error) {
	q, err := redisqueue.New(ctx, client, redisqueue.Config{
		Stream:            cfg.Stream,
		Group:             cfg.Group,
		Block:             cfg.Block,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxAttempts:       maxAttempts,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("redis queue init failed: %w", err)
	}
	return q, nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New(a.logger.Named("events"))
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

// setupEvents puts the batching hub between the workers and the configured
// publisher.
func (a *App) setupEvents() {
	eventSinks := []progress.Sink{sinks.NewPublisherSink(a.publisher)}
	prom, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("event metrics disabled", zap.Error(err))
	} else {
		eventSinks = append(eventSinks, prom)
	}
	if a.cfg.Logging.Development {
		eventSinks = append(eventSinks, sinks.NewLogSink(a.logger.Named("events")))
	}
	a.events = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		SinkTimeout:    a.cfg.Events.SinkTimeout,
		Logger:         a.logger.Named("events"),
	}, eventSinks...)
}

func (a *App) eventPublisher() bookmark.Publisher {
	if a.events != nil {
		return a.events
	}
	return a.publisher
}

func (a *App) setupDispatcher(snapshots bookmark.SnapshotStore) {
	var fetcher bookmark.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Fetch.UserAgent,
		Timeout:   a.cfg.Fetch.Timeout,
		MaxBytes:  int(a.cfg.Fetch.MaxBytes),
	})
	if a.cfg.Fetch.PerDomainRPS > 0 {
		fetcher = ratelimit.NewFetcher(fetcher, ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Fetch.PerDomainRPS,
			DefaultBurst: a.cfg.Fetch.PerDomainBurst,
		}))
		a.logger.Info("per-domain fetch limit enabled",
			zap.Float64("rps", a.cfg.Fetch.PerDomainRPS),
			zap.Int("burst", a.cfg.Fetch.PerDomainBurst),
		)
	}

	processor := worker.NewProcessor(worker.Dependencies{
		Fetcher:   fetcher,
		Extractor: extract.New(),
		Snapshots: snapshots,
		Index:     a.index,
		Records:   a.records,
	}, worker.ProcessorConfig{
		PreserveUserTitle: a.cfg.Worker.PreserveUserTitle,
	}, a.logger)

	workerCfg := worker.Config{
		JobTimeout: a.cfg.Worker.JobTimeout,
		Retry: worker.RetryPolicy{
			MaxAttempts: a.cfg.Worker.MaxAttempts,
			BaseDelay:   a.cfg.Worker.BaseBackoff,
			MaxDelay:    a.cfg.Worker.MaxBackoff,
		},
	}
	a.logger.Info("worker config",
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Int("max_attempts", workerCfg.Retry.MaxAttempts),
		zap.Duration("base_backoff", workerCfg.Retry.BaseDelay),
		zap.Duration("max_backoff", workerCfg.Retry.MaxDelay),
	)

	clock := system.New()
	workers := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			processor,
			a.eventPublisher(),
			clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
}

// Handler builds the HTTP handler for the selected surface.
func (a *App) Handler(opts RunOptions) http.Handler {
	var srv *api.Server
	if opts.API {
		srv = api.NewServer(
			a.records,
			a.dispatch,
			a.searchService,
			a.checks,
			api.Config{
				RequestTimeout: a.cfg.Server.RequestTimeout,
				DefaultLimit:   a.cfg.Search.DefaultLimit,
			},
			a.logger.Named("api"),
		)
	} else {
		srv = api.NewOpsServer(a.checks, a.logger.Named("ops"))
	}
	return otelhttp.NewHandler(srv.Handler(), "http.server")
}

// Run starts the selected loops and blocks until ctx is canceled or a
// SIGINT/SIGTERM arrives, then drains the HTTP server and workers. The
// caller still owns Close.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port), zap.Bool("api", opts.API))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if opts.Workers {
		g.Go(func() error {
			a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
			a.dispatch.Run(gctx)
			a.logger.Info("dispatcher stopped")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// Enqueue hands ids to the queue and reports how many were accepted.
func (a *App) Enqueue(ctx context.Context, ids []int64) (int, error) {
	n, err := a.dispatch.EnqueueAll(ctx, ids)
	if err != nil {
		return n, fmt.Errorf("enqueue: %w", err)
	}
	a.logger.Info("bookmarks enqueued", zap.Int("count", n))
	return n, nil
}

// Reindex enqueues up to limit bookmarks whose content is not yet indexed.
func (a *App) Reindex(ctx context.Context, limit int) (int, error) {
	ids, err := a.records.ListUnindexed(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unindexed bookmarks: %w", err)
	}
	if len(ids) == 0 {
		a.logger.Info("no unindexed bookmarks")
		return 0, nil
	}
	return a.Enqueue(ctx, ids)
}

// Ready runs every readiness probe once.
func (a *App) Ready(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()
	var errs []error
	for _, c := range a.checks {
		if err := c.Probe(probeCtx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every resource that was opened. It is safe after a
// partial Build and on repeated calls.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.events != nil {
		if err := a.events.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.records != nil {
		a.records.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
