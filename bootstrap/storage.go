package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"phishwatch/config"
	"phishwatch/core"
	"phishwatch/storage"

	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// StorageComponents holds all storage-related components.
type StorageComponents struct {
	SQLite     *storage.SQLite
	Indicators *storage.SQLiteIndicatorStore
	Analyses   *storage.SQLiteAnalysisStore
	// RedisCache is nil when the shared snapshot cache is disabled or unreachable
	RedisCache *storage.RedisSnapshotCache
}

// SnapshotCache returns the shared cache as an interface, nil when absent
func (s *StorageComponents) SnapshotCache() core.SnapshotCache {
	if s.RedisCache == nil {
		return nil
	}
	return s.RedisCache
}

// Close releases the cache and the database
func (s *StorageComponents) Close() error {
	var errs []error
	if s.RedisCache != nil {
		if err := s.RedisCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.SQLite != nil {
		if err := s.SQLite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}
	}
	return errors.Join(errs...)
}

// InitSQLite initializes SQLite connection.
func InitSQLite(dirs DataDirectories, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(dirs.SQLite, sugar)
	if err != nil {
		errMsg := ClassifySQLiteError(err, dirs.SQLite)
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Infow("SQLite initialized successfully", "path", dirs.SQLite)
	return sqlite, nil
}

// InitRedisCache connects the shared snapshot cache. An unreachable Redis is
// not fatal: the engine runs without the cache and logs why.
func InitRedisCache(ctx context.Context, cfg storage.RedisSnapshotCacheConfig, sugar *zap.SugaredLogger) *storage.RedisSnapshotCache {
	cache := storage.NewRedisSnapshotCache(cfg, sugar)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		sugar.Warnw("Redis snapshot cache unavailable, continuing without it",
			"addr", cfg.Addr,
			"error", err,
			"detail", ClassifyConnectionError("Redis", err, cfg.Addr))
		_ = cache.Close()
		return nil
	}

	sugar.Infow("Redis snapshot cache connected", "addr", cfg.Addr, "key", cfg.Key)
	return cache
}

// InitStorage opens the database and the optional snapshot cache.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := InitSQLite(DataDirectoriesFromConfig(cfg), sugar)
	if err != nil {
		return nil, err
	}

	components := &StorageComponents{
		SQLite:     sqlite,
		Indicators: storage.NewSQLiteIndicatorStore(sqlite, cfg.ThreatIntel.UpsertRetries, sugar),
		Analyses:   storage.NewSQLiteAnalysisStore(sqlite, sugar),
	}

	if cfg.Cache.Redis.Enabled {
		components.RedisCache = InitRedisCache(ctx, cfg.Cache.Redis.RedisSnapshotCacheConfig, sugar)
	}
	return components, nil
}
