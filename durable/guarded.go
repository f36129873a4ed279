package durable

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memstore/circuitbreaker"
	"github.com/BaSui01/memstore/internal/database"
	"github.com/BaSui01/memstore/types"
)

// =============================================================================
// 🎯 弹性后端适配器（熔断 + 连接池）
// =============================================================================

// Guarded 在 Backend 外层叠加熔断器与连接池
//
// 每次调用的顺序固定：
//  1. 熔断检查，Open 状态直接返回 BACKEND_UNAVAILABLE，不碰网络
//  2. 获取连接许可，整个调用期间持有；许可超时同样计入熔断失败
//  3. 带独立超时执行后端调用
//  4. 向熔断器上报结果：后端有响应（含不可重试错误）算成功，
//     可重试错误算失败
//
// 每次 Allow 放行都必须有对应的上报，否则半开探测名额会泄漏。
type Guarded struct {
	backend Backend
	breaker *circuitbreaker.Breaker
	pool    *database.Pool
	timeout time.Duration
	logger  *zap.Logger
}

// NewGuarded 创建弹性后端适配器
func NewGuarded(backend Backend, breaker *circuitbreaker.Breaker, pool *database.Pool, callTimeout time.Duration, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Guarded{
		backend: backend,
		breaker: breaker,
		pool:    pool,
		timeout: callTimeout,
		logger:  logger.With(zap.String("component", "guarded_backend")),
	}
}

// Breaker 返回内部熔断器（供对账任务监听状态变化）
func (g *Guarded) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.breaker.Allow(); err != nil {
		g.logger.Debug("call rejected by circuit breaker", zap.String("op", op))
		return err
	}

	handle, err := g.pool.Acquire(ctx)
	if err != nil {
		// 许可超时也计入熔断失败（池等待超时与后端调用超时各有独立限时，
		// 超过任意一个都算一次失败）
		if types.GetErrorCode(err) == types.ErrPoolTimeout {
			g.breaker.RecordFailure()
			g.logger.Warn("connection permit timed out", zap.String("op", op))
		} else {
			// 池已关闭等本地终态不算后端结果，退还探测名额即可
			g.breaker.ReleaseProbe()
		}
		return err
	}
	defer handle.Release()

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err == nil {
		g.breaker.RecordSuccess()
		return nil
	}

	if types.IsRetryable(err) {
		g.breaker.RecordFailure()
		g.logger.Warn("backend call failed", zap.String("op", op), zap.Error(err))
	} else {
		// NOT_FOUND、CONFLICT 等业务错误说明后端有响应，对熔断器算成功
		g.breaker.RecordSuccess()
	}
	return err
}

// Read 带熔断保护的读取
func (g *Guarded) Read(ctx context.Context, key types.RecordKey) (*types.Record, error) {
	var record *types.Record
	err := g.call(ctx, "read", func(ctx context.Context) error {
		var err error
		record, err = g.backend.Read(ctx, key)
		return err
	})
	return record, err
}

// Write 带熔断保护的写入
func (g *Guarded) Write(ctx context.Context, record *types.Record) error {
	return g.call(ctx, "write", func(ctx context.Context) error {
		return g.backend.Write(ctx, record)
	})
}

// Delete 带熔断保护的墓碑写入
func (g *Guarded) Delete(ctx context.Context, key types.RecordKey) error {
	return g.call(ctx, "delete", func(ctx context.Context) error {
		return g.backend.Delete(ctx, key)
	})
}

// List 带熔断保护的列表查询
func (g *Guarded) List(ctx context.Context, kind types.RecordKind, limit, offset int) ([]*types.Record, error) {
	var records []*types.Record
	err := g.call(ctx, "list", func(ctx context.Context) error {
		var err error
		records, err = g.backend.List(ctx, kind, limit, offset)
		return err
	})
	return records, err
}

// ListDegradedCandidates 带熔断保护的降级行扫描
func (g *Guarded) ListDegradedCandidates(ctx context.Context, since time.Time, limit int) ([]*types.Record, error) {
	var records []*types.Record
	err := g.call(ctx, "list_degraded", func(ctx context.Context) error {
		var err error
		records, err = g.backend.ListDegradedCandidates(ctx, since, limit)
		return err
	})
	return records, err
}

// Ping 带熔断保护的连通性探测
func (g *Guarded) Ping(ctx context.Context) error {
	return g.call(ctx, "ping", func(ctx context.Context) error {
		return g.backend.Ping(ctx)
	})
}

// Close 关闭底层后端
func (g *Guarded) Close() error {
	return g.backend.Close()
}
