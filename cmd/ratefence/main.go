package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ratefence/ratefence/pkg/client"
	"github.com/ratefence/ratefence/pkg/config"
	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
	"github.com/ratefence/ratefence/pkg/domain/telemetry"
	"github.com/ratefence/ratefence/pkg/infra/httpx"
	infraLogger "github.com/ratefence/ratefence/pkg/infra/logger"
	"github.com/ratefence/ratefence/pkg/infra/prometheus"
	"github.com/ratefence/ratefence/pkg/infra/store"
	infraTelemetry "github.com/ratefence/ratefence/pkg/infra/telemetry"
	"github.com/ratefence/ratefence/pkg/infra/telemetry/kafka"
	"github.com/ratefence/ratefence/pkg/infra/telemetry/webhook"
	"github.com/ratefence/ratefence/pkg/server"
	"github.com/ratefence/ratefence/pkg/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	logger := infraLogger.NewLogger("ratefence")

	info := version.GetInfo()
	logger.WithFields(logrus.Fields{
		"version":  info.Version,
		"commit":   info.GitCommit,
		"platform": info.Platform,
	}).Infof("%s starting", info.AppName)

	if err := config.Load("./config"); err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	cfg := config.GetConfig()

	if cfg.Target.URL == "" {
		logger.Fatal("target.url is required")
	}
	if _, err := cfg.BuildLimits(); err != nil {
		logger.Fatalf("invalid limit declarations: %v", err)
	}
	if len(cfg.Limits) == 0 {
		logger.Warn("no limits declared, every probe will pass through unchecked")
	}

	if cfg.Metrics.Enabled {
		prometheus.Initialize(prometheus.MetricsConfig{
			EnableLatency:     cfg.Metrics.EnableLatency,
			EnableUtilization: cfg.Metrics.EnableUtilization,
		})
	}

	limitStore, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatalf("failed to initialize %s store: %v", cfg.Store.Driver, err)
	}
	defer closeStore()

	exporters, err := buildExporters(cfg)
	if err != nil {
		logger.Fatalf("failed to configure telemetry exporters: %v", err)
	}
	defer func() {
		for _, exporter := range exporters {
			exporter.Close()
		}
	}()

	limited := client.NewRateLimited(
		client.NewSource(cfg.Owner, limitStore, func() []*ratelimit.Limit {
			limits, err := cfg.BuildLimits()
			if err != nil {
				// Declarations were validated at startup and the config is
				// immutable afterwards.
				logger.WithError(err).Error("failed to rebuild limits")
				return nil
			}
			return limits
		}),
		buildTransport(cfg),
		&client.Opts{
			Logger:        logger,
			UseRetryAfter: cfg.Client.UseRetryAfter,
			Exporters:     exporters,
			EnableMetrics: cfg.Metrics.Enabled,
		},
	)

	prober := server.NewProber(limited, server.ProbeConfig{
		URL:      cfg.Target.URL,
		Method:   cfg.Target.Method,
		Interval: cfg.Target.Interval,
		Timeout:  cfg.Target.Timeout,
	}, logger)

	metricsServer := server.NewMetricsServer(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return prober.Run(gctx)
	})
	if pgStore, ok := limitStore.(*store.PostgresStore); ok {
		g.Go(func() error {
			return pgStore.RunPurgeLoop(gctx, time.Hour, logger)
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metricsServer.Run()
		})
	}
	g.Go(func() error {
		select {
		case <-quit:
			logger.Info("shutdown signal received")
		case <-gctx.Done():
		}
		cancel()
		if cfg.Metrics.Enabled {
			return metricsServer.Shutdown()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("daemon stopped with error")
		os.Exit(1)
	}
	logger.Info("daemon gracefully stopped")
}

func buildStore(cfg *config.Config, logger *logrus.Logger) (ratelimit.Store, func(), error) {
	switch cfg.Store.Driver {
	case "redis":
		redisStore, err := store.NewRedisStore(store.RedisConfig{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			TLS:       cfg.Redis.TLS,
			KeyPrefix: cfg.Store.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if err := redisStore.RedisClient().Close(); err != nil {
				logger.WithError(err).Warn("failed to close redis client")
			}
		}
		return redisStore, closer, nil

	case "postgres":
		db, err := store.NewPostgresDB(logger, store.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			sqlDB, err := db.DB()
			if err != nil {
				return
			}
			if err := sqlDB.Close(); err != nil {
				logger.WithError(err).Warn("failed to close database connection")
			}
		}
		return store.NewPostgresStore(db), closer, nil

	case "memory":
		return store.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildExporters(cfg *config.Config) ([]telemetry.Exporter, error) {
	locator := infraTelemetry.NewExporterLocator(
		infraTelemetry.WithExporter(kafka.ExporterName, kafka.NewKafkaExporter()),
		infraTelemetry.WithExporter(webhook.ExporterName, webhook.NewWebhookExporter(newFastHTTPClient(10*time.Second))),
	)

	exporters := make([]telemetry.Exporter, 0, len(cfg.Telemetry.Exporters))
	for _, exporterConfig := range cfg.Telemetry.Exporters {
		exporter, err := locator.GetExporter(exporterConfig)
		if err != nil {
			return nil, fmt.Errorf("exporter %q: %w", exporterConfig.Name, err)
		}
		exporters = append(exporters, exporter)
	}
	return exporters, nil
}

func buildTransport(cfg *config.Config) httpx.Client {
	opts := []httpx.FastHTTPClientOption{
		httpx.WithReadTimeout(cfg.Target.Timeout),
		httpx.WithWriteTimeout(cfg.Target.Timeout),
		httpx.WithUserAgent(fmt.Sprintf("%s/%s", version.AppName, version.Version)),
	}
	if cfg.Target.InsecureSkipVerify {
		opts = append(opts, httpx.WithInsecureSkipVerify(true))
	}
	transport := httpx.NewFastHTTPClient(opts...)
	if cfg.Client.Breaker.Enabled {
		return httpx.NewBreakerClient(
			transport,
			"target",
			cfg.Client.Breaker.Timeout,
			cfg.Client.Breaker.MaxFailures,
		)
	}
	return transport
}

func newFastHTTPClient(timeout time.Duration) httpx.Client {
	return httpx.NewFastHTTPClient(
		httpx.WithReadTimeout(timeout),
		httpx.WithWriteTimeout(timeout),
	)
}
