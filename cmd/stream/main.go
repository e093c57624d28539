package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/opyter/cromqc/internal/adapters/events"
	"github.com/opyter/cromqc/internal/adapters/inference"
	"github.com/opyter/cromqc/internal/adapters/locks"
	"github.com/opyter/cromqc/internal/api/handlers"
	"github.com/opyter/cromqc/internal/api/routes"
	"github.com/opyter/cromqc/internal/application/services"
	"github.com/opyter/cromqc/internal/domain/providers"
	"github.com/opyter/cromqc/internal/domain/rules"
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

	observability.InitLogger(cfg.OTEL.ServiceName+"-stream", cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			zlog.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					zlog.Error().Err(err).Msg("Error shutting down OpenTelemetry")
				}
			}()
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize metrics")
	}

	redisClient, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to the input channel")
	}
	defer redisClient.Close()

	source := events.NewRedisStreamSource(redisClient.Client(), events.StreamSourceConfig{
		Stream:   cfg.Stream.InputStream,
		Group:    cfg.Stream.ConsumerGroup,
		Consumer: cfg.Stream.ConsumerName,
		Block:    cfg.Stream.BlockTimeout,
	})
	defer source.Close()

	var publisher providers.ResultPublisher
	switch cfg.Stream.OutputTransport {
	case "mqtt":
		mqttPublisher := events.NewMQTTPublisher(cfg.MQTT, cfg.Stream.OutputStream)
		if err := mqttPublisher.Connect(ctx); err != nil {
			zlog.Fatal().Err(err).Str("broker", cfg.MQTT.Broker).Msg("Failed to connect to the output channel")
		}
		publisher = mqttPublisher
	default:
		publisher = events.NewRedisStreamPublisher(redisClient.Client(), cfg.Stream.OutputStream, cfg.Stream.MaxLen)
	}
	defer publisher.Close()

	var lock providers.TierLock = locks.NoopTierLock{}
	if cfg.Lock.Enabled {
		lock = locks.NewRedisTierLock(redisClient.Client())
	}

	normalizer, err := imaging.NewNormalizer(cfg.Imaging)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid imaging configuration")
	}
	enricher := services.NewRecordEnricher(
		normalizer,
		inference.NewHTTPClassifier(cfg.Classifier),
		rules.NewEngine(rules.ThresholdsFromConfig(cfg.Rules)),
		metrics,
	)

	loop := services.NewStreamIngestLoop(source, publisher, enricher, lock, services.StreamLoopConfig{
		Tier:          cfg.Stream.Tier,
		Transport:     cfg.Stream.OutputTransport,
		RecordTimeout: cfg.Stream.RecordTimeout,
		LockTTL:       cfg.Lock.TTL,
		Reconnect:     retry.ReconnectConfig(),
	}, metrics)

	if cfg.OpsAddr != "" {
		health := handlers.NewHealthHandler(
			map[string]handlers.Check{"redis": redisClient.Ping},
			func() interface{} { return loop.Stats() },
		)
		server := &http.Server{
			Addr:         cfg.OpsAddr,
			Handler:      routes.NewRouter(health).SetupRoutes(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zlog.Error().Err(err).Str("addr", cfg.OpsAddr).Msg("Ops server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}()
	}

	zlog.Info().
		Str("input", cfg.Stream.InputStream).
		Str("output", cfg.Stream.OutputStream).
		Str("group", cfg.Stream.ConsumerGroup).
		Str("consumer", cfg.Stream.ConsumerName).
		Msg("Starting stream ingest")

	if err := loop.Run(ctx); err != nil {
		if services.IsLockHeld(err) {
			zlog.Fatal().Err(err).Str("tier", cfg.Stream.Tier).Msg("Another driver is writing this tier")
		}
		zlog.Fatal().Err(err).Msg("Stream ingest failed")
	}
}
