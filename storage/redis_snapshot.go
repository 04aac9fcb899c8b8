package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"phishwatch/core"
	"phishwatch/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	defaultSnapshotKey = "phishwatch:threat-intel:analysis"
	// maxSnapshotSize keeps a runaway snapshot out of Redis
	maxSnapshotSize = 10 * 1024 * 1024
)

// RedisSnapshotCache shares the latest ThreatAnalysis with dashboards running
// outside this process. Values are msgpack encoded.
type RedisSnapshotCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.SugaredLogger
}

var _ core.SnapshotCache = (*RedisSnapshotCache)(nil)

// RedisSnapshotCacheConfig configures the snapshot cache
type RedisSnapshotCacheConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"` // zero keeps the snapshot until replaced
}

// NewRedisSnapshotCache creates a snapshot cache. The connection is lazy;
// call Ping to verify it.
func NewRedisSnapshotCache(cfg RedisSnapshotCacheConfig, logger *zap.SugaredLogger) *RedisSnapshotCache {
	key := cfg.Key
	if key == "" {
		key = defaultSnapshotKey
	}
	return &RedisSnapshotCache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: 4,
		}),
		key:    key,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

// Ping tests the Redis connection
func (c *RedisSnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}

// StoreSnapshot replaces the cached snapshot
func (c *RedisSnapshotCache) StoreSnapshot(ctx context.Context, analysis *core.ThreatAnalysis) error {
	if analysis == nil {
		return errors.New("nil analysis")
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(analysis); err != nil {
		metrics.SnapshotCacheErrors.WithLabelValues("marshal").Inc()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if buf.Len() > maxSnapshotSize {
		metrics.SnapshotCacheErrors.WithLabelValues("size_limit").Inc()
		return fmt.Errorf("snapshot size %d bytes exceeds maximum %d bytes", buf.Len(), maxSnapshotSize)
	}

	if err := c.client.Set(ctx, c.key, buf.Bytes(), c.ttl).Err(); err != nil {
		metrics.SnapshotCacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	c.logger.Debugw("Snapshot cached", "run_id", analysis.RunID, "bytes", buf.Len())
	return nil
}

// LoadSnapshot returns the cached snapshot or ErrCacheMiss
func (c *RedisSnapshotCache) LoadSnapshot(ctx context.Context) (*core.ThreatAnalysis, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		metrics.SnapshotCacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var analysis core.ThreatAnalysis
	if err := dec.Decode(&analysis); err != nil {
		metrics.SnapshotCacheErrors.WithLabelValues("unmarshal").Inc()
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &analysis, nil
}
