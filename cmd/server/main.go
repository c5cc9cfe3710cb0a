// Command server runs the semantic cache HTTP service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/developer-mesh/semcache/internal/api"
	"github.com/developer-mesh/semcache/internal/cache"
	"github.com/developer-mesh/semcache/internal/config"
	"github.com/developer-mesh/semcache/internal/embedding"
	"github.com/developer-mesh/semcache/internal/features"
	"github.com/developer-mesh/semcache/internal/lifecycle"
	"github.com/developer-mesh/semcache/internal/metrics"
	"github.com/developer-mesh/semcache/internal/observability"
	"github.com/developer-mesh/semcache/internal/prewarm"
	"github.com/developer-mesh/semcache/internal/repository"
	"github.com/developer-mesh/semcache/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "semcache: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger("semcache")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	entries := repository.NewEntryRepository(db, logger.WithPrefix("repo.entries"))
	featureRepo := repository.NewFeatureRepository(db)
	predictions := repository.NewPredictionRepository(db)
	snapshots := repository.NewSnapshotRepository(db)
	usage := repository.NewUsageRepository(db)

	m := metrics.New()

	var lookaside *cache.Lookaside
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.Database,
			DialTimeout: cfg.Redis.DialTimeout,
			PoolSize:    cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup, lookaside degraded", map[string]interface{}{
				"address": cfg.Redis.Address,
				"error":   err.Error(),
			})
		}
		lookaside = cache.NewLookaside(client, cfg.Redis.TTL, logger.WithPrefix("lookaside"))
		defer func() { _ = client.Close() }()
	}

	providers, err := buildProviders(ctx, cfg.Embedding, logger)
	if err != nil {
		return err
	}
	generator, err := embedding.NewGenerator(providers, embedding.GeneratorConfig{
		Dimensions:   cfg.Embedding.Dimensions,
		Timeout:      cfg.Embedding.Timeout,
		RateLimitRPM: cfg.Embedding.RateLimitRPM,
		CacheSize:    cfg.Embedding.CacheSize,
	}, logger.WithPrefix("embedding"))
	if err != nil {
		return fmt.Errorf("failed to build embedding generator: %w", err)
	}

	flags := features.NewController(featureRepo, entries, usage, logger.WithPrefix("features"))

	svc := cache.NewService(entries, usage, generator, flags, lookaside, cache.ServiceConfig{
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		FlatScanLimit:       cfg.Cache.FlatScanLimit,
		DefaultCostSaved:    cfg.Cache.DefaultCostSaved,
	}, logger.WithPrefix("cache"), m)

	// A typed nil must not reach the manager as a non-nil interface
	var invalidator lifecycle.Invalidator
	if lookaside != nil {
		invalidator = lookaside
	}

	manager := lifecycle.NewManager(entries, snapshots, flags, invalidator, lifecycle.Config{
		BatchSize:             cfg.Lifecycle.BatchSize,
		ArchiveBelowScore:     cfg.Lifecycle.ArchiveBelowScore,
		ArchiveAfter:          cfg.Lifecycle.ArchiveAfter,
		MaxRetentionAge:       cfg.Lifecycle.MaxRetentionAge,
		MinAccessCount:        cfg.Lifecycle.MinAccessCount,
		NegativeFeedbackLimit: cfg.Lifecycle.NegativeFeedbackLimit,
		TrendLookback:         cfg.Lifecycle.TrendLookback,
	}, logger.WithPrefix("lifecycle"), m)

	// Prewarming has no upstream model wired in this deployment; predictions
	// are still recorded and accuracy-tracked.
	prewarmer := prewarm.NewPrewarmer(usage, predictions, entries, svc, nil, flags, prewarm.Config{
		MaxPredictions:  cfg.Prewarm.MaxPredictions,
		MinOccurrences:  cfg.Prewarm.MinOccurrences,
		WindowSeconds:   cfg.Prewarm.WindowSeconds,
		HistoryLookback: cfg.Prewarm.HistoryLookback,
		RecordRetention: cfg.Prewarm.RecordRetention,
	}, logger.WithPrefix("prewarm"), m)
	svc.SetAccuracyTracker(prewarmer)

	sched := scheduler.New(manager, prewarmer, flags, scheduler.Config{
		SweepInterval:   cfg.Lifecycle.ScanInterval,
		PrewarmInterval: cfg.Prewarm.Interval,
	}, logger.WithPrefix("scheduler"))
	sched.Start()
	defer sched.Stop()

	handler := api.NewHandler(svc, manager, prewarmer, flags, logger.WithPrefix("api"))
	server := api.NewServer(handler, api.ServerConfig{
		Port:              cfg.Service.Port,
		MaintenanceSecret: cfg.Service.MaintenanceSecret,
	}, logger.WithPrefix("http"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildProviders assembles the embedding provider chain from configuration.
// An unknown or "fallback" provider yields an empty chain, which makes the
// generator use the deterministic fallback for everything.
func buildProviders(ctx context.Context, cfg config.EmbeddingConfig, logger observability.Logger) ([]embedding.Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Warn("OpenAI API key not set, using fallback embeddings", nil)
			return nil, nil
		}
		return []embedding.Provider{
			embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.Timeout, cfg.RetryAttempts),
		}, nil
	case "bedrock":
		provider, err := embedding.NewBedrockProvider(ctx, cfg.BedrockRegion, cfg.BedrockModel)
		if err != nil {
			return nil, fmt.Errorf("failed to build bedrock provider: %w", err)
		}
		return []embedding.Provider{provider}, nil
	case "fallback", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
