// Package app assembles the relay from configuration. Both the API server
// and the prefetch worker use it so they share one cache layout.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/vidrelay/internal/api/handler"
	"github.com/hszk-dev/vidrelay/internal/config"
	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
	"github.com/hszk-dev/vidrelay/internal/fetcher"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/cache"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/postgres"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/queue"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/resolver"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/storage"
	"github.com/hszk-dev/vidrelay/internal/mediaprobe"
	"github.com/hszk-dev/vidrelay/internal/usecase"
)

// incomingDir holds per-fetch work directories inside the cache root so the
// final move into the cache is a rename on the same filesystem.
const incomingDir = ".incoming"

// App holds the assembled relay and the clients it owns.
type App struct {
	Store    *cache.DiskStore
	Relay    usecase.RelayService
	Sweeper  *usecase.RetentionSweeper
	Prefetch usecase.PrefetchService
	Share    usecase.ShareService
	FetchLog repository.FetchLogRepository
	Queue    *queue.Client

	// HealthChecks probes every optional backend that was configured.
	HealthChecks map[string]handler.HealthCheck

	closers []func() error
}

// Build connects the configured backends and wires the relay. Postgres,
// MinIO, RabbitMQ and Redis are optional and only dialed when enabled.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{HealthChecks: make(map[string]handler.HealthCheck)}

	if err := a.build(ctx, cfg, logger); err != nil {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("cleanup after failed start", slog.String("error", cerr.Error()))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	index, err := a.openIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}

	a.Store, err = cache.NewDiskStore(cache.StoreConfig{
		RootDir: cfg.Cache.RootDir,
		TTL:     cfg.Cache.TTL(),
	}, index)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	var pruner usecase.FetchLogPruner
	if cfg.Database.Enabled {
		pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		a.closers = append(a.closers, pgClient.Close)
		a.HealthChecks["postgres"] = pgClient.Ping

		repo := postgres.NewFetchLogRepository(pgClient.Pool())
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		a.FetchLog = repo
		pruner = repo
		logger.Info("connected to PostgreSQL")
	}

	a.Sweeper = usecase.NewRetentionSweeper(a.Store, usecase.RetentionSweeperConfig{
		TTL:           cfg.Cache.TTL(),
		MaxBytes:      cfg.Cache.MaxBytes,
		Interval:      cfg.Cache.SweepInterval,
		LogPruner:     pruner,
		LogRetention:  cfg.Cache.LogRetention,
		ScratchDir:    filepath.Join(cfg.Cache.RootDir, incomingDir),
		ScratchMaxAge: 2 * cfg.Fetch.Timeout(),
	})

	a.Relay, err = usecase.NewRelayService(usecase.RelayDependencies{
		Store:    a.Store,
		Fetchers: newFetchers(cfg.Fetch),
		Resolver: resolver.NewHTTPResolver(resolver.Config{
			Timeout:   cfg.Fetch.ResolverTimeout,
			UserAgent: cfg.Fetch.UserAgent,
		}, nil),
		Prober:   newProber(cfg.Fetch),
		FetchLog: a.FetchLog,
		Capacity: a.Sweeper,
	}, usecase.RelayServiceConfig{
		FetchTimeout: cfg.Fetch.Timeout(),
		WorkDir:      filepath.Join(cfg.Cache.RootDir, incomingDir),
	})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	if cfg.Share.Enabled {
		storageClient, err := storage.NewClient(ctx, storage.ClientConfig{
			Endpoint:       cfg.MinIO.Endpoint,
			PublicEndpoint: cfg.MinIO.PublicEndpoint,
			AccessKey:      cfg.MinIO.AccessKey,
			SecretKey:      cfg.MinIO.SecretKey,
			Bucket:         cfg.MinIO.Bucket,
			Region:         cfg.MinIO.Region,
			UseSSL:         cfg.MinIO.UseSSL,
			CreateBucket:   true,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to MinIO: %w", err)
		}
		a.HealthChecks["minio"] = storageClient.Ping
		a.Share = usecase.NewShareService(storageClient, usecase.ShareServiceConfig{
			Expiry:    cfg.Share.Expiry,
			Threshold: cfg.Share.Threshold,
			KeyPrefix: usecase.DefaultShareServiceConfig().KeyPrefix,
		})
		logger.Info("connected to MinIO", slog.String("bucket", storageClient.Bucket()))
	}

	if cfg.RabbitMQ.Enabled {
		queueClient, err := queue.NewClient(ctx, queue.DefaultClientConfig(cfg.RabbitMQ.URL()))
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		a.closers = append(a.closers, queueClient.Close)
		a.Queue = queueClient
		a.Prefetch = usecase.NewPrefetchService(a.Relay, queueClient, usecase.PrefetchServiceConfig{
			MaxRetries: cfg.Worker.MaxRetries,
		})
		logger.Info("connected to RabbitMQ")
	}

	return nil
}

func (a *App) openIndex(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Index, error) {
	if cfg.Redis.Addr == "" {
		index, err := cache.OpenFileIndex(filepath.Join(cfg.Cache.RootDir, cache.IndexFileName))
		if err != nil {
			return nil, err
		}
		logger.Info("using file index", slog.String("path", index.Path()), slog.Int("entries", index.Len()))
		return index, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, redisClient.Close)

	index := cache.NewRedisIndex(redisClient, cfg.Redis.IndexKey)
	if err := index.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.HealthChecks["redis"] = index.Ping
	logger.Info("connected to Redis", slog.String("index_key", cfg.Redis.IndexKey))

	return index, nil
}

// newFetchers binds the yt-dlp fetcher to every supported platform.
func newFetchers(cfg config.FetchConfig) map[model.Platform]repository.Fetcher {
	fc := fetcher.DefaultCommandConfig()
	if cfg.YtDlpPath != "" {
		fc.BinaryPath = cfg.YtDlpPath
	}
	if cfg.Format != "" {
		fc.Format = cfg.Format
	}
	fc.MaxFileSize = cfg.MaxFileSize

	f := fetcher.NewCommandFetcher(fc)
	fetchers := make(map[model.Platform]repository.Fetcher, len(model.Platforms))
	for _, p := range model.Platforms {
		fetchers[p] = f
	}
	return fetchers
}

func newProber(cfg config.FetchConfig) mediaprobe.Prober {
	if !cfg.ProbeEnabled {
		return nil
	}
	pc := mediaprobe.DefaultFFprobeConfig()
	pc.FFprobePath = cfg.FFprobePath
	return mediaprobe.NewFFprobe(pc)
}

// Close releases every client in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
