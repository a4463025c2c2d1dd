// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/adaptive"
	"github.com/JakeFAU/adaptive-crawler/internal/api"
	"github.com/JakeFAU/adaptive-crawler/internal/clock/system"
	"github.com/JakeFAU/adaptive-crawler/internal/config"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/dispatcher"
	"github.com/JakeFAU/adaptive-crawler/internal/fetcher/pagefetch"
	"github.com/JakeFAU/adaptive-crawler/internal/fetcher/sitemap"
	"github.com/JakeFAU/adaptive-crawler/internal/hash/sha256"
	"github.com/JakeFAU/adaptive-crawler/internal/logging"
	"github.com/JakeFAU/adaptive-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/adaptive-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/adaptive-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/adaptive-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/adaptive-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/adaptive-crawler/internal/queue/memory"
	"github.com/JakeFAU/adaptive-crawler/internal/rerank"
	"github.com/JakeFAU/adaptive-crawler/internal/rotation"
	gcsstorage "github.com/JakeFAU/adaptive-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/adaptive-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/adaptive-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/adaptive-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/adaptive-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/adaptive-crawler/internal/telemetry"
)

// Version is reported to the tracing backend.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	service      *adaptive.Service
	progressHub  *progress.Hub
	queue        *queueMemory.Queue
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
	taskStore    crawler.TaskStore
	closeStore   func()
	telemetry    *telemetry.Providers
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort       int    `json:"server_port"`
		StorageBackend   string `json:"storage_backend"`
		TaskStoreBackend string `json:"task_store_backend"`
		Workers          int    `json:"workers"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:       cfg.Server.Port,
		StorageBackend:   cfg.Storage.Backend,
		TaskStoreBackend: cfg.TaskStore.Backend,
		Workers:          cfg.Crawler.Workers,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal so the queue can be closed before they stop.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(workerCtx, a.service)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	stopWorkers()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		a.closeStore()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err = setupTaskStore(ctx, app); err != nil {
		return nil, err
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	progressEmitter, err := setupProgress(app)
	if err != nil {
		return nil, err
	}

	service, err := setupService(app, blobStore, publisher, progressEmitter)
	if err != nil {
		return nil, err
	}

	app.service = service
	app.apiServer = api.NewServer(service, *cfg, logger, taskStoreReady(app.taskStore))
	return app, nil
}

func setupTaskStore(ctx context.Context, app *App) error {
	ttl := app.cfg.Crawler.CacheTTL
	switch app.cfg.TaskStore.Backend {
	case config.BackendSQLite:
		store, err := sqlitestore.NewTaskStore(app.cfg.TaskStore.SQLitePath, ttl)
		if err != nil {
			return fmt.Errorf("sqlite task store init failed: %w", err)
		}
		app.taskStore = store
		app.closeStore = func() {
			if err := store.Close(); err != nil {
				app.logger.Warn("sqlite task store close failed", zap.Error(err))
			}
		}
		app.logger.Info("using sqlite task store", zap.String("path", app.cfg.TaskStore.SQLitePath))
	case config.BackendPostgres:
		store, err := pgstore.NewTaskStore(ctx, pgstore.TaskStoreConfig{
			DSN:      app.cfg.TaskStore.DSN,
			Table:    app.cfg.TaskStore.Table,
			TTL:      ttl,
			MaxConns: app.cfg.TaskStore.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres task store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("postgres task store schema failed: %w", err)
		}
		app.taskStore = store
		app.closeStore = store.Close
		app.logger.Info("using postgres task store", zap.String("table", app.cfg.TaskStore.Table))
	default:
		app.logger.Info("using in-memory task store")
		app.taskStore = memoryStorage.NewTaskStore(ttl)
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	var blobStore crawler.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case config.BackendLocal:
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memoryStorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.gcpPublisher = gcppublisher.New(app.pubsubClient, app.cfg.PubSub.ProjectID, app.logger.Named("pubsub"))
	if err := app.gcpPublisher.VerifyTopic(ctx, app.cfg.PubSub.TopicName); err != nil {
		return nil, fmt.Errorf("pubsub topic check failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.gcpPublisher, nil
}

func setupProgress(app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.Nop{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:    app.cfg.Progress.BufferSize,
		BatchMaxCount: app.cfg.Progress.BatchMaxCount,
		BatchMaxWait:  app.cfg.Progress.BatchMaxWait,
		SinkTimeout:   app.cfg.Progress.SinkTimeout,
		Logger:        app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("batch_max_count", hubCfg.BatchMaxCount),
		zap.Duration("batch_max_wait", hubCfg.BatchMaxWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupService(
	app *App,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	emitter progress.Emitter,
) (*adaptive.Service, error) {
	cfg := app.cfg
	adaptiveCfg := adaptive.Config{
		CacheTTL:         cfg.Crawler.CacheTTL,
		WindowSize:       cfg.Crawler.WindowSize,
		RerankBatchSize:  cfg.Crawler.RerankBatchSize,
		MaxRelevantLinks: cfg.Crawler.MaxRelevantLinks,
		ScoreRatio:       cfg.Crawler.ScoreRatio,
		MinScore:         cfg.Crawler.MinScore,
		BlockedSuffixes:  cfg.Crawler.BlockedSuffixes,
		DefaultMaxPages:  cfg.Crawler.DefaultMaxPages,
		MaxPagesLimit:    cfg.Crawler.MaxPagesLimit,
		BlobPrefix:       cfg.Storage.Prefix,
		CompletionTopic:  cfg.PubSub.TopicName,
	}
	if adaptiveCfg.CompletionTopic == "" {
		adaptiveCfg.CompletionTopic = "adaptive-crawl-completed"
	}

	fetcher, err := pagefetch.New(pagefetch.Config{
		BaseURL:   cfg.Fetch.BaseURL,
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("page fetcher init failed: %w", err)
	}

	proxies, err := rotation.NewProxyPool(cfg.Sitemap.Proxies)
	if err != nil {
		return nil, fmt.Errorf("sitemap proxies invalid: %w", err)
	}
	sitemapSource := sitemap.New(sitemap.Config{
		UserAgent: cfg.Sitemap.UserAgent,
		Timeout:   time.Duration(cfg.Sitemap.TimeoutSeconds) * time.Second,
	}, proxies, app.logger)

	strategy, err := rotation.ParseStrategy(cfg.Rerank.Rotation)
	if err != nil {
		return nil, fmt.Errorf("rerank rotation invalid: %w", err)
	}
	reranker, err := rerank.New(rerank.Config{
		Endpoint: cfg.Rerank.Endpoint,
		Timeout:  time.Duration(cfg.Rerank.TimeoutSeconds) * time.Second,
	}, rotation.NewKeyRing(cfg.Rerank.APIKeys, strategy), app.logger)
	if err != nil {
		return nil, fmt.Errorf("reranker init failed: %w", err)
	}

	var limiter crawler.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}

	hasher := sha256.New()
	clock := system.New()
	expander := adaptive.NewExpander(app.taskStore, reranker, adaptiveCfg, app.logger.Named("expander"))
	executor := adaptive.NewExecutor(adaptive.ExecutorDeps{
		Store:    app.taskStore,
		Fetcher:  fetcher,
		Blobs:    blobStore,
		Hasher:   hasher,
		Limiter:  limiter,
		Expander: expander,
		Emitter:  emitter,
		Clock:    clock,
	}, adaptiveCfg, app.logger.Named("executor"))

	app.queue = queueMemory.NewQueue(cfg.Crawler.QueueDepth)
	app.dispatch = dispatcher.New(app.queue, dispatcher.Config{
		Workers:        cfg.Crawler.Workers,
		EnqueueTimeout: cfg.Crawler.EnqueueTimeout,
	}, app.logger.Named("dispatcher"))
	service, err := adaptive.NewService(adaptive.ServiceDeps{
		Store:     app.taskStore,
		Blobs:     blobStore,
		Hasher:    hasher,
		Clock:     clock,
		Seeder:    adaptive.NewSeeder(app.taskStore, sitemapSource, app.logger.Named("seeder")),
		Executor:  executor,
		Queue:     app.dispatch,
		Publisher: publisher,
		Emitter:   emitter,
	}, adaptiveCfg, app.logger.Named("adaptive"))
	if err != nil {
		return nil, fmt.Errorf("adaptive service init failed: %w", err)
	}
	app.logger.Info("adaptive service initialized",
		zap.Duration("cache_ttl", adaptiveCfg.CacheTTL),
		zap.Int("window_size", adaptiveCfg.WindowSize),
		zap.Int("max_pages_limit", adaptiveCfg.MaxPagesLimit),
	)
	return service, nil
}

// taskStoreReady treats a not-found answer as proof the store is reachable.
func taskStoreReady(store crawler.TaskStore) api.ReadinessCheck {
	return func(ctx context.Context) error {
		_, err := store.GetTask(ctx, "readiness-probe")
		if err == nil || errors.Is(err, crawler.ErrTaskNotFound) {
			return nil
		}
		return fmt.Errorf("task store: %w", err)
	}
}
