package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/memstore/config"
	"github.com/BaSui01/memstore/internal/tlsutil"
	"github.com/BaSui01/memstore/types"
)

// =============================================================================
// 💾 Redis 缓存层
// =============================================================================

// Redis 远端缓存层
//
// 多 worker 进程部署时共享的缓存层，接口语义与 Local 一致。
// TTL 由 Redis 自身管理，无需后台清理任务。
type Redis struct {
	client    *redis.Client
	config    config.RedisConfig
	keyPrefix string
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	stats  Stats
}

// NewRedis 创建 Redis 缓存层
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientConfig()
	}
	client := redis.NewClient(opts)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "memstore:"
	}

	r := &Redis{
		client:    client,
		config:    cfg,
		keyPrefix: keyPrefix + "record:",
		logger:    logger.With(zap.String("component", "redis_cache")),
	}

	r.logger.Info("redis cache initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
	)

	return r, nil
}

func (r *Redis) recordKey(key types.RecordKey) string {
	return r.keyPrefix + key.String()
}

// Get 查询缓存
func (r *Redis) Get(ctx context.Context, key types.RecordKey) (*types.Record, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, types.NewError(types.ErrStoreClosed, "redis cache is closed")
	}
	r.mu.RUnlock()

	data, err := r.client.Get(ctx, r.recordKey(key)).Bytes()
	if err == redis.Nil {
		r.countMiss()
		return nil, ErrCacheMiss
	}
	if err != nil {
		r.logger.Error("cache get failed", zap.String("key", key.String()), zap.Error(err))
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// 损坏的条目按未命中处理并删除
		r.client.Del(ctx, r.recordKey(key))
		r.countMiss()
		return nil, ErrCacheMiss
	}

	r.countHit()
	return &rec, nil
}

// Put 写入缓存
func (r *Redis) Put(ctx context.Context, record *types.Record, ttl time.Duration) error {
	if record == nil {
		return types.NewError(types.ErrValidation, "record is nil")
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return types.NewError(types.ErrStoreClosed, "redis cache is closed")
	}
	r.mu.RUnlock()

	if ttl <= 0 {
		ttl = r.config.TTL
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := r.client.Set(ctx, r.recordKey(record.Key()), data, ttl).Err(); err != nil {
		r.logger.Error("cache set failed", zap.String("key", record.Key().String()), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Invalidate 删除缓存条目
func (r *Redis) Invalidate(ctx context.Context, key types.RecordKey) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return types.NewError(types.ErrStoreClosed, "redis cache is closed")
	}
	r.mu.RUnlock()

	return r.client.Del(ctx, r.recordKey(key)).Err()
}

// Keys 返回所有存活条目的键
func (r *Redis) Keys(ctx context.Context) ([]types.RecordKey, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, types.NewError(types.ErrStoreClosed, "redis cache is closed")
	}
	r.mu.RUnlock()

	keys := make([]types.RecordKey, 0)
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw := strings.TrimPrefix(iter.Val(), r.keyPrefix)
		key, err := parseRecordKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan failed: %w", err)
	}
	return keys, nil
}

// Len 返回存活条目数
func (r *Redis) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	keys, err := r.Keys(ctx)
	if err != nil {
		return 0
	}
	return len(keys)
}

// Stats 返回统计信息快照
func (r *Redis) Stats() Stats {
	r.mu.RLock()
	stats := r.stats
	r.mu.RUnlock()
	stats.Entries = r.Len()
	return stats
}

// Close 关闭底层 Redis 连接
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Info("closing redis cache")
	return r.client.Close()
}

func (r *Redis) countHit() {
	r.mu.Lock()
	r.stats.Hits++
	r.mu.Unlock()
}

func (r *Redis) countMiss() {
	r.mu.Lock()
	r.stats.Misses++
	r.mu.Unlock()
}
