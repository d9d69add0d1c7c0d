package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencrawl/elastic-crawler-service/internal/api"
	archiveGCS "github.com/opencrawl/elastic-crawler-service/internal/archive/gcs"
	archiveLocal "github.com/opencrawl/elastic-crawler-service/internal/archive/local"
	archiveMemory "github.com/opencrawl/elastic-crawler-service/internal/archive/memory"
	"github.com/opencrawl/elastic-crawler-service/internal/clock/system"
	"github.com/opencrawl/elastic-crawler-service/internal/config"
	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
	"github.com/opencrawl/elastic-crawler-service/internal/dispatcher"
	"github.com/opencrawl/elastic-crawler-service/internal/id/uuid"
	notifyPubsub "github.com/opencrawl/elastic-crawler-service/internal/notify/pubsub"
	queueMemory "github.com/opencrawl/elastic-crawler-service/internal/queue/memory"
	registryMemory "github.com/opencrawl/elastic-crawler-service/internal/registry/memory"
	registryPostgres "github.com/opencrawl/elastic-crawler-service/internal/registry/postgres"
	"github.com/opencrawl/elastic-crawler-service/internal/runner"
	"github.com/opencrawl/elastic-crawler-service/internal/telemetry"
	"github.com/opencrawl/elastic-crawler-service/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.TraceEnabled {
		tp, tpErr := telemetry.InitTracerProvider(ctx, config.ServiceName, config.Version, cfg.Telemetry.ProjectID)
		if tpErr != nil {
			return fmt.Errorf("init tracer: %w", tpErr)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutErr := tp.Shutdown(shutdownCtx); shutErr != nil {
				logger.Warn("tracer shutdown failed", zap.Error(shutErr))
			}
		}()
	}

	registry, closeRegistry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	queue := queueMemory.NewQueue(cfg.Executions.QueueDepth)
	clock := system.New()
	idGen := uuid.New()

	crawlRunner := runner.New(runner.Config{
		BinaryPath: cfg.Crawler.BinaryPath,
		WorkingDir: cfg.Crawler.WorkingDir,
		Timeout:    cfg.CrawlTimeout(),
		TempDir:    cfg.Crawler.TempDir,
		ESHost:     cfg.Elasticsearch.Host,
		ESAPIKey:   cfg.Elasticsearch.APIKey,
	}, logger.Named("runner"))

	workerCfg := worker.Config{
		ArchivePrefix:      cfg.Archive.Prefix,
		ArchiveContentType: cfg.Archive.ContentType,
		Topic:              cfg.Notify.TopicName,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Executions.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			registry,
			crawlRunner,
			archive,
			publisher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	apiServer := api.NewServer(registry, dispatch, crawlRunner, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Executions.Workers))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
	return nil
}

func buildRegistry(ctx context.Context, cfg config.Config) (crawl.Registry, func(), error) {
	switch cfg.DB.Provider {
	case "postgres":
		registry, err := registryPostgres.NewRegistry(ctx, registryPostgres.Config{
			DSN:   cfg.DB.DSN,
			Table: cfg.DB.Table,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres registry: %w", err)
		}
		return registry, registry.Close, nil
	default:
		return registryMemory.NewRegistry(), func() {}, nil
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (crawl.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init storage client: %w", err)
		}
		store, err := archiveGCS.New(client, archiveGCS.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	case "local":
		store, err := archiveLocal.New(archiveLocal.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case "memory":
		return archiveMemory.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (crawl.Publisher, func(), error) {
	if !cfg.Notify.Enabled {
		return nil, func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	closeClient := func() {
		if closeErr := client.Close(); closeErr != nil {
			zap.L().Warn("pubsub client close failed", zap.Error(closeErr))
		}
	}
	return notifyPubsub.New(client), closeClient, nil
}
