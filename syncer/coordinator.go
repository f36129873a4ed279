package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memstore/cache"
	"github.com/BaSui01/memstore/circuitbreaker"
	"github.com/BaSui01/memstore/config"
	"github.com/BaSui01/memstore/durable"
	"github.com/BaSui01/memstore/types"
)

// =============================================================================
// 🎯 两阶段写入协调器
// =============================================================================

// Outcome 写入结果
type Outcome int

const (
	// OutcomeCommitted 已提交到权威后端
	OutcomeCommitted Outcome = iota
	// OutcomeDegraded 后端熔断，仅写入缓存，待对账回刷
	OutcomeDegraded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Coordinator 同步协调器
//
// 写入协议：权威后端优先。后端写入成功才更新缓存；后端真实失败
// （熔断器未打开）不写缓存、直接报错；熔断打开时写入缓存并打
// 降级标记，等待对账回刷。
//
// 权威写入提交后的取消不回滚：语义是至少一次，调用方重读确认。
type Coordinator struct {
	backend  *durable.Guarded
	cache    cache.Store
	locks    *stripedLocks
	retry    durable.RetryConfig
	cacheTTL time.Duration
	logger   *zap.Logger

	pendingMu sync.Mutex
	pending   map[string]types.RecordKey // 降级写入的键，等待回刷

	closedMu sync.RWMutex
	closed   bool
}

// NewCoordinator 创建同步协调器
func NewCoordinator(backend *durable.Guarded, cacheStore cache.Store, cfg config.SyncConfig, retryCfg config.DatabaseConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	retry := durable.RetryConfig{
		MaxRetries:     retryCfg.MaxRetries,
		InitialBackoff: retryCfg.InitialBackoff,
		MaxBackoff:     retryCfg.MaxBackoff,
	}
	return &Coordinator{
		backend:  backend,
		cache:    cacheStore,
		locks:    newStripedLocks(256),
		retry:    retry,
		cacheTTL: cfg.CacheTTL,
		logger:   logger.With(zap.String("component", "sync_coordinator")),
		pending:  make(map[string]types.RecordKey),
	}
}

func (c *Coordinator) checkOpen() error {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return types.NewError(types.ErrStoreClosed, "coordinator is closed")
	}
	return nil
}

// Write 两阶段写入
func (c *Coordinator) Write(ctx context.Context, record *types.Record) (Outcome, error) {
	if err := c.checkOpen(); err != nil {
		return OutcomeCommitted, err
	}
	if err := record.Validate(); err != nil {
		return OutcomeCommitted, err
	}

	key := record.Key()
	mu := c.locks.lockFor(key.String())
	mu.Lock()
	defer mu.Unlock()

	// 熔断打开时不碰网络，直接走降级路径
	if c.backend.Breaker().State() == circuitbreaker.StateOpen {
		return c.writeDegraded(ctx, record)
	}

	err := durable.Retry(ctx, c.retry, c.shouldRetryWrite, c.logger, "write",
		func(ctx context.Context) error {
			return c.backend.Write(ctx, record)
		})
	if err == nil {
		rec := record.Clone()
		rec.Degraded = false
		if cacheErr := c.cache.Put(ctx, rec, c.cacheTTL); cacheErr != nil {
			// 权威写入已提交，缓存失败只降级服务质量
			c.logger.Warn("cache update failed after durable commit",
				zap.String("key", key.String()), zap.Error(cacheErr))
		}
		c.clearPending(key)
		return OutcomeCommitted, nil
	}

	// 重试期间熔断器可能刚好打开
	if types.IsRetryable(err) && c.backend.Breaker().State() == circuitbreaker.StateOpen {
		return c.writeDegraded(ctx, record)
	}
	return OutcomeCommitted, err
}

// shouldRetryWrite 熔断打开后继续重试没有意义，交给降级路径
func (c *Coordinator) shouldRetryWrite(err error) bool {
	if !types.IsRetryable(err) {
		return false
	}
	return c.backend.Breaker().State() != circuitbreaker.StateOpen
}

func (c *Coordinator) writeDegraded(ctx context.Context, record *types.Record) (Outcome, error) {
	rec := record.Clone()
	rec.Degraded = true

	if err := c.cache.Put(ctx, rec, c.cacheTTL); err != nil {
		return OutcomeDegraded, types.NewError(types.ErrBackendUnavailable,
			"backend circuit open and cache write failed").WithCause(err)
	}
	c.markPending(rec.Key())

	c.logger.Info("degraded write accepted",
		zap.String("key", rec.Key().String()),
		zap.Int64("version", rec.Version),
	)
	return OutcomeDegraded, nil
}

// Read 缓存优先读取
//
// 缓存命中直接返回（不加按键锁）；未命中且熔断允许时读权威后端
// 并回填缓存。墓碑对调用方表现为 NOT_FOUND。
func (c *Coordinator) Read(ctx context.Context, key types.RecordKey) (*types.Record, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	rec, err := c.cache.Get(ctx, key)
	if err == nil {
		if rec.Status == types.StatusDeleted {
			return nil, types.NewError(types.ErrNotFound, "record deleted: "+key.String())
		}
		return rec, nil
	}

	rec, err = c.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status == types.StatusDeleted {
		return nil, types.NewError(types.ErrNotFound, "record deleted: "+key.String())
	}

	if cacheErr := c.cache.Put(ctx, rec, c.cacheTTL); cacheErr != nil {
		c.logger.Warn("cache populate failed", zap.String("key", key.String()), zap.Error(cacheErr))
	}
	return rec, nil
}

// Delete 删除记录（权威后端写墓碑 + 缓存失效）
func (c *Coordinator) Delete(ctx context.Context, key types.RecordKey) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	mu := c.locks.lockFor(key.String())
	mu.Lock()
	defer mu.Unlock()

	if c.backend.Breaker().State() == circuitbreaker.StateOpen {
		return c.deleteDegraded(ctx, key)
	}

	err := durable.Retry(ctx, c.retry, c.shouldRetryWrite, c.logger, "delete",
		func(ctx context.Context) error {
			return c.backend.Delete(ctx, key)
		})
	if err != nil {
		if types.IsNotFound(err) {
			_ = c.cache.Invalidate(ctx, key)
			return err
		}
		if types.IsRetryable(err) && c.backend.Breaker().State() == circuitbreaker.StateOpen {
			return c.deleteDegraded(ctx, key)
		}
		return err
	}

	if cacheErr := c.cache.Invalidate(ctx, key); cacheErr != nil {
		c.logger.Warn("cache invalidate failed after tombstone",
			zap.String("key", key.String()), zap.Error(cacheErr))
	}
	c.clearPending(key)
	return nil
}

// deleteDegraded 熔断打开时在缓存里写降级墓碑
//
// 只有缓存里已有该记录才能推导墓碑版本；否则无法确认记录存在，
// 直接报后端不可用。
func (c *Coordinator) deleteDegraded(ctx context.Context, key types.RecordKey) error {
	cached, err := c.cache.Get(ctx, key)
	if err != nil {
		return types.NewError(types.ErrBackendUnavailable,
			"backend circuit open and record not cached: "+key.String())
	}
	if cached.Status == types.StatusDeleted {
		return nil
	}

	tombstone := cached.Clone()
	tombstone.Version++
	tombstone.Status = types.StatusDeleted
	tombstone.Payload = nil
	tombstone.Degraded = true
	tombstone.UpdatedAt = time.Now().UTC()

	if err := c.cache.Put(ctx, tombstone, c.cacheTTL); err != nil {
		return types.NewError(types.ErrBackendUnavailable,
			"backend circuit open and cache write failed").WithCause(err)
	}
	c.markPending(key)

	c.logger.Info("degraded tombstone accepted", zap.String("key", key.String()))
	return nil
}

// =============================================================================
// 📋 降级记录追踪
// =============================================================================

func (c *Coordinator) markPending(key types.RecordKey) {
	c.pendingMu.Lock()
	c.pending[key.String()] = key
	c.pendingMu.Unlock()
}

func (c *Coordinator) clearPending(key types.RecordKey) {
	c.pendingMu.Lock()
	delete(c.pending, key.String())
	c.pendingMu.Unlock()
}

// PendingKeys 返回等待回刷的降级键快照
func (c *Coordinator) PendingKeys() []types.RecordKey {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	keys := make([]types.RecordKey, 0, len(c.pending))
	for _, key := range c.pending {
		keys = append(keys, key)
	}
	return keys
}

// PendingCount 返回等待回刷的降级键数量
func (c *Coordinator) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Backend 返回内部的弹性后端
func (c *Coordinator) Backend() *durable.Guarded {
	return c.backend
}

// Cache 返回内部的缓存层
func (c *Coordinator) Cache() cache.Store {
	return c.cache
}

// Close 标记协调器关闭，拒绝后续操作
func (c *Coordinator) Close() error {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
	return nil
}
