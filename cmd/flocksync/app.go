package main

import (
	"context"
	"fmt"
	"time"

	"flocksync/internal/auth"
	"flocksync/internal/cache"
	"flocksync/internal/config"
	"flocksync/internal/database"
	"flocksync/internal/domain"
	"flocksync/internal/logging"
	"flocksync/internal/metrics"
	"flocksync/internal/network"
	"flocksync/internal/queue"
	"flocksync/internal/remote"
	"flocksync/internal/repository"
	"flocksync/internal/syncer"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds every wired component for one process.
type app struct {
	cfg    *config.Config
	logger *zerolog.Logger

	db      *database.DB
	redis   *redis.Client
	tokens  domain.TokenSource
	remote  *remote.Client
	monitor *network.Monitor
	queue   *queue.Queue
	cache   *cache.Cache
	sync    *syncer.Coordinator

	closers []func() error
}

func newApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser.Close)
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg, logger := a.cfg, a.logger

	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	a.redis = initRedis(cfg, logger)
	if a.redis != nil {
		a.closers = append(a.closers, a.redis.Close)
	}

	if cfg.Remote.TokenFile != "" {
		fileTokens, err := auth.NewFileTokenSource(cfg.Remote.TokenFile, logger)
		if err != nil {
			return fmt.Errorf("init token file: %w", err)
		}
		a.tokens = fileTokens
		a.closers = append(a.closers, fileTokens.Close)
	} else {
		a.tokens = auth.StaticToken(cfg.Remote.Token)
	}

	a.monitor = network.NewMonitor(true, logger)

	a.remote, err = remote.New(cfg.Remote, a.tokens, logger, remote.WithOnlineCheck(a.monitor.Online))
	if err != nil {
		return fmt.Errorf("init remote client: %w", err)
	}

	var queueOpts []queue.Option
	if a.redis != nil {
		queueOpts = append(queueOpts, queue.WithDeadLetter(repository.NewRedisDeadLetter(a.redis, cfg.Redis.DeadLetterKey, 0)))
	}
	a.queue = queue.New(db, a.remote, queue.OptionsFromConfig(cfg.Queue), logger, queueOpts...)

	a.cache = cache.New(a.cacheStore(), cache.OptionsFromConfig(cfg.Cache), logger)

	a.sync = syncer.New(a.queue, a.cache, a.monitor, db, syncer.OptionsFromConfig(cfg), logger, syncer.WithSnapshots(db))
	return nil
}

func (a *app) cacheStore() domain.CacheStore {
	switch a.cfg.Cache.Backend {
	case "memory":
		return repository.NewMemoryCacheStore()
	case "redis":
		if a.redis == nil {
			a.logger.Warn().Msg("redis unavailable, cache falls back to memory")
			return repository.NewMemoryCacheStore()
		}
		primary := repository.NewRedisCacheStore(a.redis, a.cfg.Redis.KeyPrefix)
		return repository.NewFailoverCacheStore(primary, repository.NewMemoryCacheStore(), a.logger)
	default:
		return a.db
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = repository.Close(client)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}
