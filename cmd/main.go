package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tansel/stagehand/internal/config"
	"github.com/tansel/stagehand/internal/logging"
	"github.com/tansel/stagehand/internal/metrics"
	"github.com/tansel/stagehand/internal/server"
	"github.com/tansel/stagehand/internal/worker"
	"github.com/tansel/stagehand/internal/worker/cache"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "STAGEHAND", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store := buildCacheStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	supervisor, err := worker.NewSupervisor(logger, worker.Options{
		Config:  cfg,
		Store:   store,
		Metrics: metricsRecorder,
	})
	if err != nil {
		logger.Error("unable to construct supervisor", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := supervisor.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	manifest, err := config.LoadManifest(cfg.Worker.ManifestFile)
	if err != nil {
		logger.Error("manifest load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := supervisor.Deploy(ctx, manifest); err != nil {
		logger.Error("initial install failed", slog.Any("error", err))
		os.Exit(1)
	}

	watcher, err := config.WatchManifest(ctx, cfg.Worker.ManifestFile, func(m config.Manifest) {
		if err := supervisor.Deploy(ctx, m); err != nil {
			logger.Error("manifest deploy failed", slog.Any("error", err))
		}
	}, func(err error) {
		if err != nil {
			logger.Error("manifest watcher error", slog.Any("error", err))
		}
	})
	if err != nil {
		logger.Error("manifest watcher setup failed", slog.Any("error", err))
	} else {
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewGatewayHandler(supervisor))

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("gateway shutdown complete")
}

func buildCacheStore(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory cache store")
		}
		return cache.NewMemory()
	case "sqlite":
		store, err := cache.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			if logger != nil {
				logger.Error("sqlite cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using sqlite cache store", slog.String("path", cfg.SQLite.Path))
		}
		return store
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis cache store", slog.String("address", cfg.Redis.Address))
		}
		return store
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
