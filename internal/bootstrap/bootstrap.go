// Package bootstrap provides dependency initialization for the video generation API.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/maauso/videogen-api/internal/config"
	"github.com/maauso/videogen-api/internal/credit"
	"github.com/maauso/videogen-api/internal/generation"
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/library"
	"github.com/maauso/videogen-api/internal/lora"
	"github.com/maauso/videogen-api/internal/media"
	"github.com/maauso/videogen-api/internal/prompt"
	"github.com/maauso/videogen-api/internal/queue"
	"github.com/maauso/videogen-api/internal/runpod"
	"github.com/maauso/videogen-api/internal/server"
	"github.com/maauso/videogen-api/internal/storage"
	"github.com/maauso/videogen-api/internal/store"
)

// Dependencies holds all initialized dependencies for the server and workers.
type Dependencies struct {
	Jobs    job.Repository
	Ledger  credit.Ledger
	Library library.Repository
	Queue   queue.Queue
	Storage storage.Storage

	Submitter  *generation.SubmissionService
	Poller     *generation.Poller
	Dispatcher *generation.Dispatcher
	Handlers   *server.Handlers

	// FilesDir is served under /files/ when artifacts are stored locally.
	FilesDir string

	logger  *slog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	inQueue bool
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	d := &Dependencies{logger: logger}

	if err := d.initStores(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initQueue(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initStorage(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initPipeline(cfg); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Router returns the HTTP handler for the API.
func (d *Dependencies) Router() http.Handler {
	cfg := server.DefaultConfig()
	cfg.FilesDir = d.FilesDir
	return server.NewRouter(d.Handlers, d.logger, cfg)
}

// InProcessQueue reports whether the queue lives in this process, in which
// case the server must also run the workers.
func (d *Dependencies) InProcessQueue() bool {
	return d.inQueue
}

// RunWorkers consumes the queue until ctx is cancelled.
func (d *Dependencies) RunWorkers(ctx context.Context) error {
	return d.Queue.Run(ctx, d.Dispatcher.Handle)
}

// Close releases database and Redis connections.
func (d *Dependencies) Close() {
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

// initStores selects Postgres when DATABASE_URL is set and memory otherwise.
func (d *Dependencies) initStores(ctx context.Context, cfg *config.Config) error {
	if !cfg.DatabaseEnabled() {
		d.Jobs = job.NewMemoryRepository()
		d.Ledger = credit.NewMemoryLedger()
		d.Library = library.NewMemoryRepository()
		d.logger.Warn("using in-memory stores; data is lost on restart")
		return nil
	}

	if cfg.AutoMigrate {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	pool, err := store.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	d.pool = pool
	d.Jobs = store.NewJobRepository(pool)
	d.Ledger = store.NewCreditLedger(pool)
	d.Library = store.NewMediaRepository(pool)
	d.logger.Info("postgres stores configured", slog.Int("max_conns", cfg.DatabaseMaxConns))
	return nil
}

// initQueue selects Redis when REDIS_URL is set and an in-process queue otherwise.
func (d *Dependencies) initQueue(ctx context.Context, cfg *config.Config) error {
	if !cfg.RedisEnabled() {
		d.Queue = queue.NewMemoryQueue(cfg.QueueMaxDeliveries, cfg.WorkerConcurrency, d.logger)
		d.inQueue = true
		d.logger.Info("in-process queue configured")
		return nil
	}

	client, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	d.redis = client
	d.Queue = queue.NewRedisQueue(client, cfg.QueueName,
		queue.WithMaxDeliveries(cfg.QueueMaxDeliveries),
		queue.WithConcurrency(cfg.WorkerConcurrency),
		queue.WithLogger(d.logger),
	)
	d.logger.Info("redis queue configured", slog.String("queue", cfg.QueueName))
	return nil
}

// initStorage creates the appropriate storage backend based on configuration.
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(ctx, cfg.TempDir, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("create S3 storage: %w", err)
		}
		d.Storage = s3Store
		d.logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir, cfg.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("create local storage: %w", err)
	}
	d.Storage = localStore
	d.FilesDir = localStore.PublicDir()
	d.logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
		slog.String("public_base_url", cfg.PublicBaseURL),
	)
	return nil
}

// initPipeline wires the provider client, collaborators and generation services.
func (d *Dependencies) initPipeline(cfg *config.Config) error {
	runpodClient, err := runpod.NewClient(
		runpod.WithAPIKey(cfg.RunPodAPIKey),
		runpod.WithBaseURL(cfg.RunPodBaseURL),
		runpod.WithHTTPClient(&http.Client{Timeout: cfg.RunPodTimeout}),
		runpod.WithRateLimit(cfg.RunPodRPS),
	)
	if err != nil {
		return fmt.Errorf("create RunPod client: %w", err)
	}

	var moderator prompt.Moderator = prompt.AllowAll{}
	if cfg.ModerationURL != "" {
		m, err := prompt.NewHTTPModerator(cfg.ModerationURL, cfg.CollaboratorTimeout)
		if err != nil {
			return fmt.Errorf("create moderator: %w", err)
		}
		moderator = m
	}
	var optimizer prompt.Optimizer = prompt.DisabledOptimizer{}
	if cfg.OptimizerURL != "" {
		o, err := prompt.NewHTTPOptimizer(cfg.OptimizerURL, cfg.CollaboratorTimeout)
		if err != nil {
			return fmt.Errorf("create optimizer: %w", err)
		}
		optimizer = o
	}

	catalog, err := loadCatalog(cfg.LoraCatalogPath)
	if err != nil {
		return err
	}
	d.logger.Info("lora catalog loaded", slog.Int("entries", catalog.Len()))

	processor := media.NewFFmpegProcessor("")
	fetcher := media.NewFetcher(nil, d.Storage)
	frames := media.NewFrameResolver(fetcher, processor, d.Storage, d.logger)

	var transcoder generation.Transcoder
	if cfg.FFmpegTranscodeEnabled {
		transcoder = processor
	}

	compensator := generation.NewCompensator(d.Ledger, d.Jobs, d.logger)
	finalizer := generation.NewFinalizer(d.Jobs, d.Library, d.Storage, fetcher, transcoder, d.logger)
	d.Poller = generation.NewPoller(d.Jobs, runpodClient, finalizer, compensator, d.Queue, d.logger)
	d.Submitter = generation.NewSubmissionService(generation.SubmissionDeps{
		Jobs:        d.Jobs,
		Library:     d.Library,
		Client:      runpodClient,
		Frames:      frames,
		Moderator:   moderator,
		Optimizer:   optimizer,
		Selector:    lora.NewKeywordSelector(catalog),
		Catalog:     catalog,
		Publisher:   d.Queue,
		Compensator: compensator,
		Logger:      d.logger,
	}, generation.Settings{
		BaseModel:             cfg.RunPodBaseModel,
		LoraModel:             cfg.RunPodLoraModel,
		MaxEdge:               cfg.MaxEdge,
		MaxSubmissionAttempts: cfg.MaxSubmissionAttempts,
		DefaultSteps:          cfg.DefaultSteps,
		DefaultGuidance:       cfg.DefaultGuidance,
		FlowShift:             cfg.FlowShift,
		EnableSafetyChecker:   cfg.EnableSafetyChecker,
		SecondsPerVideoSecond: cfg.SecondsPerVideoSecond,
	})
	d.Dispatcher = generation.NewDispatcher(d.Submitter, d.Poller, d.logger)

	d.Handlers = server.NewHandlers(server.Services{
		Jobs:      d.Jobs,
		Ledger:    d.Ledger,
		Library:   d.Library,
		Status:    d.Poller,
		Publisher: d.Queue,
		Refunder:  compensator,
	}, d.logger)
	return nil
}

func loadCatalog(path string) (*lora.Catalog, error) {
	if path == "" {
		return lora.NewCatalog()
	}
	catalog, err := lora.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("load lora catalog: %w", err)
	}
	return catalog, nil
}
