// Package main wires together the intelligence hub service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cloudpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/opsintel/intelhub/internal/analyzer"
	"github.com/opsintel/intelhub/internal/api"
	"github.com/opsintel/intelhub/internal/clock/system"
	"github.com/opsintel/intelhub/internal/config"
	"github.com/opsintel/intelhub/internal/dispatcher"
	"github.com/opsintel/intelhub/internal/id/uuid"
	"github.com/opsintel/intelhub/internal/intel"
	"github.com/opsintel/intelhub/internal/keypool"
	"github.com/opsintel/intelhub/internal/logging"
	"github.com/opsintel/intelhub/internal/metrics"
	"github.com/opsintel/intelhub/internal/policy"
	pubsubpublisher "github.com/opsintel/intelhub/internal/publisher/pubsub"
	queuememory "github.com/opsintel/intelhub/internal/queue/memory"
	"github.com/opsintel/intelhub/internal/storage/gcs"
	"github.com/opsintel/intelhub/internal/storage/local"
	storememory "github.com/opsintel/intelhub/internal/storage/memory"
	"github.com/opsintel/intelhub/internal/storage/postgres"
	"github.com/opsintel/intelhub/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	itemStore, archiveStore, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStores()

	auditStore, err := buildAuditStore(ctx, cfg)
	if err != nil {
		logger.Fatal("audit store init failed", zap.Error(err))
	}

	publisher, archiveTopic, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	keys := make([]keypool.Key, 0, len(cfg.AI.Keys))
	for _, k := range cfg.AI.Keys {
		keys = append(keys, keypool.Key{
			Name:       k.Name,
			Endpoint:   k.Endpoint,
			Credential: k.Credential,
			Model:      k.Model,
		})
	}
	clock := system.New()
	pool := keypool.New(keys, keypool.Options{
		CooldownBase:     time.Duration(cfg.KeyPool.CooldownBaseSeconds) * time.Second,
		CooldownMax:      time.Duration(cfg.KeyPool.CooldownMaxSeconds) * time.Second,
		DisableThreshold: cfg.KeyPool.DisableThreshold,
		Clock:            clock,
	}, logger.Named("keypool"))

	aiClient := analyzer.New(pool, auditStore, clock, analyzer.Config{
		Timeout:     cfg.AnalysisTimeout(),
		MaxRPS:      cfg.AI.MaxRPS,
		AuditPrefix: cfg.Audit.Prefix,
	}, logger.Named("analyzer"))

	queue := queuememory.NewQueue(cfg.Pipeline.QueueDepth)
	stats := &intel.Stats{}
	acceptance := policy.NewAcceptance(cfg.Pipeline.ArchiveThreshold, cfg.Pipeline.ExcludeClasses)
	backoff := intel.NewExponentialBackoff(cfg.BackoffBase(), cfg.BackoffMax())

	workerCfg := worker.Config{
		MaxRetries:      cfg.Pipeline.MaxRetries,
		AnalysisTimeout: cfg.AnalysisTimeout(),
		ArchiveTopic:    archiveTopic,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Pipeline.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			itemStore,
			archiveStore,
			aiClient,
			acceptance,
			backoff,
			publisher,
			clock,
			stats,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}

	dispatch := dispatcher.New(queue, itemStore, workers, clock, queue, pool, dispatcher.Config{
		SweepInterval: time.Duration(cfg.Pipeline.SweepSeconds) * time.Second,
		ResumeLimit:   cfg.Pipeline.ResumeLimit,
	}, logger.Named("dispatcher"))

	apiServer := api.NewServer(itemStore, archiveStore, dispatch, uuid.New(), clock, stats, pool, *cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("concurrency", cfg.Pipeline.Concurrency))
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
}

func buildStores(ctx context.Context, cfg *config.Config) (intel.ItemStore, intel.ArchiveStore, func(), error) {
	if cfg.DB.DSN == "" {
		return storememory.NewItemStore(), storememory.NewArchiveStore(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	itemStore, err := postgres.NewItemStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	archiveStore, err := postgres.NewArchiveStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return itemStore, archiveStore, pool.Close, nil
}

func buildAuditStore(ctx context.Context, cfg *config.Config) (intel.BlobStore, error) {
	switch cfg.Audit.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Audit.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.Audit.BaseDir})
	default:
		return nil, nil
	}
}

func buildPublisher(ctx context.Context, cfg *config.Config) (intel.Publisher, string, error) {
	if cfg.Publish.Provider != "pubsub" {
		return nil, "", nil
	}
	client, err := cloudpubsub.NewClient(ctx, cfg.Publish.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client: %w", err)
	}
	return pubsubpublisher.New(client), cfg.Publish.TopicName, nil
}
