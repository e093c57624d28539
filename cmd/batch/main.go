package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/opyter/cromqc/internal/adapters/database"
	"github.com/opyter/cromqc/internal/adapters/inference"
	"github.com/opyter/cromqc/internal/adapters/locks"
	"github.com/opyter/cromqc/internal/application/services"
	"github.com/opyter/cromqc/internal/domain/providers"
	"github.com/opyter/cromqc/internal/domain/rules"
	"github.com/opyter/cromqc/internal/infrastructure/clients/postgres"
	"github.com/opyter/cromqc/internal/infrastructure/clients/redis"
	"github.com/opyter/cromqc/internal/infrastructure/observability"
	"github.com/opyter/cromqc/pkg/config"
	"github.com/opyter/cromqc/pkg/imaging"
	"github.com/opyter/cromqc/pkg/retry"
	"github.com/opyter/cromqc/pkg/secrets"
)

func main() {
	if _, err := secrets.ApplyCredentials(context.Background(), secrets.VaultConfigFromEnv()); err != nil {
		log.Fatalf("Failed to load credentials from Vault: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var ensureSchema bool
	flag.StringVar(&cfg.Batch.RunName, "run-name", cfg.Batch.RunName, "checkpoint name of this run")
	flag.IntVar(&cfg.Batch.ChunkSize, "chunk-size", cfg.Batch.ChunkSize, "rows per chunk")
	flag.BoolVar(&cfg.Batch.Resume, "resume", cfg.Batch.Resume, "continue from the last committed chunk")
	flag.BoolVar(&ensureSchema, "ensure-schema", false, "create destination tables if missing")
	flag.Parse()

	observability.InitLogger(cfg.OTEL.ServiceName+"-batch", cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown := setupTelemetry(ctx, cfg)
	code := run(ctx, cfg, ensureSchema)
	shutdown()
	stop()
	os.Exit(code)
}

// setupTelemetry starts OpenTelemetry when configured and returns its flush
func setupTelemetry(ctx context.Context, cfg *config.Config) func() {
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint == "" {
		return func() {}
	}
	shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
	if err != nil {
		zlog.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("Error shutting down OpenTelemetry")
		}
	}
}

func run(ctx context.Context, cfg *config.Config, ensureSchema bool) int {
	metrics, err := observability.InitMetrics()
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to initialize metrics")
		return 1
	}

	source, err := postgres.NewClient(ctx, &cfg.Source)
	if err != nil {
		zlog.Error().Err(err).Str("tier", cfg.Source.Tier).Msg("Failed to connect to source tier")
		return 1
	}
	defer source.Close()

	destination, err := postgres.NewClient(ctx, &cfg.Destination)
	if err != nil {
		zlog.Error().Err(err).Str("tier", cfg.Destination.Tier).Msg("Failed to connect to destination tier")
		return 1
	}
	defer destination.Close()

	var lock providers.TierLock = locks.NoopTierLock{}
	if cfg.Lock.Enabled {
		redisClient, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			zlog.Error().Err(err).Msg("Failed to connect to lock store")
			return 1
		}
		defer redisClient.Close()
		lock = locks.NewRedisTierLock(redisClient.Client())
	}

	normalizer, err := imaging.NewNormalizer(cfg.Imaging)
	if err != nil {
		zlog.Error().Err(err).Msg("Invalid imaging configuration")
		return 1
	}
	enricher := services.NewRecordEnricher(
		normalizer,
		inference.NewHTTPClassifier(cfg.Classifier),
		rules.NewEngine(rules.ThresholdsFromConfig(cfg.Rules)),
		metrics,
	)

	results := database.NewResultAdapter(destination)
	loader := services.NewBatchLoader(enricher, results, services.BatchLoaderConfig{
		RecordTimeout: cfg.Batch.RecordTimeout,
		UpsertRetry: retry.Config{
			MaxAttempts:   cfg.Batch.UpsertRetries,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
		},
	}, metrics)

	runner := services.NewBatchRunner(
		database.NewStagingAdapter(source),
		results,
		database.NewCheckpointAdapter(destination),
		loader,
		lock,
		services.BatchRunConfig{
			RunName:      cfg.Batch.RunName,
			ChunkSize:    cfg.Batch.ChunkSize,
			Resume:       cfg.Batch.Resume,
			LockTTL:      cfg.Lock.TTL,
			EnsureSchema: ensureSchema,
		},
	)

	summary, err := runner.Run(ctx)
	fmt.Printf("run %s (%s): rows %d~%d of %d, %d chunks, %d enriched, %d failed\n",
		summary.RunName, summary.RunID, summary.StartOffset+1, summary.NextOffset, summary.Total,
		summary.Chunks, summary.SuccessCount, summary.FailureCount)
	if err != nil {
		if services.IsLockHeld(err) {
			zlog.Error().Err(err).Str("tier", cfg.Destination.Tier).Msg("Another driver is writing this tier")
		} else {
			zlog.Error().Err(err).Int("next_offset", summary.NextOffset).Msg("Batch run aborted; rerun with -resume to continue")
		}
		return 1
	}
	return 0
}
