package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/BaSui01/memstore/config"
	"github.com/BaSui01/memstore/types"
)

// =============================================================================
// 🗄️ 信号量门控连接池
// =============================================================================

// Pool 在 database/sql 连接池之上叠加有界信号量，
// 限制对持久化后端的并发调用数。
//
// Pool 本身与熔断器无关；两者的组合在 durable 包完成。
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config config.PoolConfig
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	stats  poolCounters

	stopHealth chan struct{}
}

// poolCounters 内部计数器（mu 保护）
type poolCounters struct {
	active         int
	totalCheckouts uint64
	totalWaitTime  time.Duration
	timeouts       uint64
}

// PoolStats 连接池统计信息
type PoolStats struct {
	MaxConnections int           `json:"max_connections"`
	Active         int           `json:"active"`
	TotalCheckouts uint64        `json:"total_checkouts"`
	Timeouts       uint64        `json:"timeouts"`
	TotalWaitTime  time.Duration `json:"total_wait_time"`
	AvgWaitTime    time.Duration `json:"avg_wait_time"`
	Utilization    float64       `json:"utilization"`
}

// NewPool 创建连接池
func NewPool(db *gorm.DB, cfg config.PoolConfig, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 底层连接池与信号量对齐；空闲回收交给 database/sql
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MinConnections)
	sqlDB.SetConnMaxIdleTime(cfg.IdleTimeout)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	p := &Pool{
		db:         db,
		sqlDB:      sqlDB,
		config:     cfg,
		logger:     logger.With(zap.String("component", "db_pool")),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConnections)),
		stopHealth: make(chan struct{}),
	}

	go p.healthCheckLoop()

	p.logger.Info("connection pool initialized",
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("min_connections", cfg.MinConnections),
		zap.Duration("acquire_timeout", cfg.AcquireTimeout),
	)

	return p, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Acquire 获取一个连接租约
//
// 许可耗尽时挂起等待；超过 AcquireTimeout（或调用方 ctx 更早的截止时间）
// 返回 POOL_TIMEOUT。返回的 Handle 必须通过 defer Release 归还。
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, types.NewError(types.ErrStoreClosed, "connection pool is closed")
	}
	p.mu.RUnlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	start := time.Now()
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		p.mu.Lock()
		p.stats.timeouts++
		p.mu.Unlock()

		// 调用方取消与获取超时都折叠为 POOL_TIMEOUT
		return nil, types.NewError(types.ErrPoolTimeout, "timed out waiting for connection").WithCause(err)
	}
	wait := time.Since(start)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, types.NewError(types.ErrStoreClosed, "connection pool is closed")
	}
	p.stats.active++
	p.stats.totalCheckouts++
	p.stats.totalWaitTime += wait
	p.mu.Unlock()

	if wait > p.config.AcquireTimeout/2 {
		p.logger.Warn("slow connection checkout", zap.Duration("wait", wait))
	}

	return &Handle{pool: p, db: p.db}, nil
}

// Stats 返回连接池统计信息快照
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := PoolStats{
		MaxConnections: p.config.MaxConnections,
		Active:         p.stats.active,
		TotalCheckouts: p.stats.totalCheckouts,
		Timeouts:       p.stats.timeouts,
		TotalWaitTime:  p.stats.totalWaitTime,
	}
	if s.TotalCheckouts > 0 {
		s.AvgWaitTime = time.Duration(uint64(s.TotalWaitTime) / s.TotalCheckouts)
	}
	if s.MaxConnections > 0 {
		s.Utilization = float64(s.Active) / float64(s.MaxConnections)
	}
	return s
}

// Ping 检查数据库连接
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return types.NewError(types.ErrStoreClosed, "connection pool is closed")
	}
	p.mu.RUnlock()

	return p.sqlDB.PingContext(ctx)
}

// Shutdown 优雅关闭连接池
//
// 停止发放新许可，在 ctx（由调用方用 shutdown_timeout 约束）内等待
// 所有未归还的租约，超时则直接关闭底层连接。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopHealth)
	p.logger.Info("shutting down connection pool")

	// 取走全部许可即等价于等待所有租约归还
	drained := p.sem.Acquire(ctx, int64(p.config.MaxConnections))
	if drained != nil {
		p.logger.Warn("shutdown timed out waiting for outstanding handles",
			zap.Int("active", p.Stats().Active),
		)
	}

	if err := p.sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return drained
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// healthCheckLoop 健康检查循环
func (p *Pool) healthCheckLoop() {
	interval := p.config.IdleTimeout
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Ping(ctx); err != nil {
				p.logger.Error("database health check failed", zap.Error(err))
			} else {
				stats := p.sqlDB.Stats()
				p.logger.Debug("database health check passed",
					zap.Int("open_connections", stats.OpenConnections),
					zap.Int("in_use", stats.InUse),
					zap.Int("idle", stats.Idle),
				)
			}
			cancel()
		}
	}
}

// =============================================================================
// 🎫 连接租约
// =============================================================================

// Handle 是一次连接许可的作用域租约
//
// Release 幂等；租约在所有退出路径上都必须归还，调用方应紧跟
// Acquire 使用 defer h.Release()。
type Handle struct {
	pool *Pool
	db   *gorm.DB
	once sync.Once
}

// DB 返回 GORM 数据库实例
func (h *Handle) DB() *gorm.DB {
	return h.db
}

// Release 归还许可
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.mu.Lock()
		if h.pool.stats.active > 0 {
			h.pool.stats.active--
		}
		h.pool.mu.Unlock()
		h.pool.sem.Release(1)
	})
}
