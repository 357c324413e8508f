// Package main is the entry point for the sieve query service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/cache"
	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/internal/embedding"
	"github.com/sievehq/sieve/internal/monitoring"
	"github.com/sievehq/sieve/internal/processor"
	"github.com/sievehq/sieve/internal/registry"
	"github.com/sievehq/sieve/internal/response"
	"github.com/sievehq/sieve/internal/search"
	"github.com/sievehq/sieve/internal/server"
	"github.com/sievehq/sieve/internal/vector"
	"github.com/sievehq/sieve/internal/warming"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "sieve.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	setupLogging(cfg.Monitoring)

	log.Info().Str("version", Version).Msg("starting sieve")

	ctx := context.Background()

	// Cache store. Redis is preferred; an unreachable back-end degrades
	// to the in-process store rather than failing startup.
	var store cache.Store
	if redis, err := cache.NewRedisStore(ctx, cfg.Cache); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, using in-memory cache")
		store = cache.NewMemoryStore()
	} else {
		store = redis
	}

	vectors, err := vector.New(cfg.Database.Vector)
	if err != nil {
		log.Fatal().Err(err).Msg("vector store configuration invalid")
	}
	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	if err := vectors.Initialize(initCtx); err != nil {
		cancelInit()
		log.Fatal().Err(err).Msg("vector store initialization failed")
	}
	cancelInit()

	provider, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		log.Fatal().Err(err).Msg("embedding provider configuration invalid")
	}
	embedder := embedding.NewService(provider, store, cfg.Embedding)

	reg := registry.New()
	engine := search.NewEngine(vectors, embedder, cfg.Search)
	generator := response.NewGenerator(response.DefaultConfig())
	proc := processor.New(cfg.Processor, cfg.Cache.TTL.QueryResults,
		store, embedder, reg, engine, generator, vectors)

	warmer := warming.New(store, warming.Config{})
	proc.AddObserver(warmer)
	reg.OnUpdate(warmer.OnSourceUpdate)
	warmer.Start()

	monitor := monitoring.New(store, monitoring.Config{
		SampleInterval: cfg.Monitoring.HealthCheck.Interval,
		Timeout:        cfg.Monitoring.HealthCheck.Timeout,
	})
	proc.AddObserver(monitor)
	monitor.Start()
	go consumeAlerts(monitor)

	svc := server.NewService(cfg.Server, proc, store, vectors, reg, warmer, monitor)
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("server start failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	warmer.Close()
	monitor.Close()
	if err := vectors.Close(); err != nil {
		log.Error().Err(err).Msg("vector store close error")
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("cache close error")
	}

	log.Info().Msg("sieve shutdown complete")
}

func setupLogging(cfg config.MonitoringConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func consumeAlerts(m *monitoring.QueryMonitor) {
	for alert := range m.Alerts() {
		log.Warn().
			Str("kind", alert.Kind).
			Float64("value", alert.Value).
			Float64("threshold", alert.Threshold).
			Msg(alert.Message)
	}
}
