package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/memstore/circuitbreaker"
	"github.com/BaSui01/memstore/config"
	"github.com/BaSui01/memstore/types"
)

// =============================================================================
// 🔄 后台对账任务
// =============================================================================

// SyncState 最近一次对账的状态
type SyncState struct {
	LastSync     time.Time `json:"last_sync"`
	LastFlushed  int       `json:"last_flushed"`
	TotalFlushed uint64    `json:"total_flushed"`
	Conflicts    uint64    `json:"conflicts"`
	LastError    string    `json:"last_error,omitempty"`
}

// Reconciler 把降级记录回刷到权威后端
//
// 触发时机：固定间隔、熔断器恢复关闭、显式 Trigger。回刷对后端
// 限速，按 worker 并发执行；每个键的回刷持有与写入路径相同的
// 分条锁，保证与在线写入互斥。对账是幂等的：重复执行同一批
// 记录不改变最终状态。
type Reconciler struct {
	coord   *Coordinator
	cfg     config.SyncConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	stateMu sync.Mutex
	state   SyncState
}

// NewReconciler 创建对账任务（需调用 Start 启动）
func NewReconciler(coord *Coordinator, cfg config.SyncConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushRate <= 0 {
		cfg.FlushRate = 50
	}
	if cfg.FlushBurst <= 0 {
		cfg.FlushBurst = 10
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = 4
	}

	return &Reconciler{
		coord:   coord,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.FlushRate), cfg.FlushBurst),
		logger:  logger.With(zap.String("component", "reconciler")),
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start 启动后台循环
func (r *Reconciler) Start() {
	go r.run()
}

// Trigger 请求尽快执行一次对账（非阻塞，可合并）
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// State 返回最近一次对账的状态快照
func (r *Reconciler) State() SyncState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// Close 停止后台循环并等待当前轮次结束
func (r *Reconciler) Close() error {
	r.once.Do(func() {
		close(r.stop)
	})
	<-r.done
	return nil
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.runPass()
		case <-r.trigger:
			r.runPass()
		}
	}
}

func (r *Reconciler) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReconcileInterval)
	defer cancel()

	flushed, err := r.Reconcile(ctx)

	r.stateMu.Lock()
	r.state.LastSync = time.Now().UTC()
	r.state.LastFlushed = flushed
	r.state.TotalFlushed += uint64(flushed)
	if err != nil {
		r.state.LastError = err.Error()
	} else {
		r.state.LastError = ""
	}
	r.stateMu.Unlock()
}

// Reconcile 执行一轮对账，返回成功回刷的记录数
//
// 熔断器仍打开时跳过（回刷必然失败，只会消耗半开探测额度）。
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	if r.coord.Backend().Breaker().State() == circuitbreaker.StateOpen {
		r.logger.Debug("skipping reconcile pass, circuit still open")
		return 0, nil
	}

	keys := r.collectDegraded(ctx)
	if len(keys) == 0 {
		return r.sweepDurableFlags(ctx)
	}

	r.logger.Info("reconcile pass started", zap.Int("degraded", len(keys)))

	var flushedMu sync.Mutex
	flushed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FlushWorkers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			if err := r.flushKey(gctx, key); err != nil {
				// 单个键失败不终止整轮，留待下轮重试
				r.logger.Warn("flush failed", zap.String("key", key.String()), zap.Error(err))
				return nil
			}
			flushedMu.Lock()
			flushed++
			flushedMu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	if swept, sweepErr := r.sweepDurableFlags(ctx); sweepErr == nil {
		flushed += swept
	}

	r.logger.Info("reconcile pass finished", zap.Int("flushed", flushed))
	return flushed, err
}

// collectDegraded 汇总待回刷的键：协调器追踪的 + 缓存扫描发现的
func (r *Reconciler) collectDegraded(ctx context.Context) []types.RecordKey {
	seen := make(map[string]struct{})
	keys := make([]types.RecordKey, 0)

	for _, key := range r.coord.PendingKeys() {
		if _, ok := seen[key.String()]; ok {
			continue
		}
		seen[key.String()] = struct{}{}
		keys = append(keys, key)
		if len(keys) >= r.cfg.BatchSize {
			return keys
		}
	}

	cacheKeys, err := r.coord.Cache().Keys(ctx)
	if err != nil {
		r.logger.Warn("cache scan failed", zap.Error(err))
		return keys
	}
	for _, key := range cacheKeys {
		if _, ok := seen[key.String()]; ok {
			continue
		}
		rec, err := r.coord.Cache().Get(ctx, key)
		if err != nil || !rec.Degraded {
			continue
		}
		seen[key.String()] = struct{}{}
		keys = append(keys, key)
		if len(keys) >= r.cfg.BatchSize {
			break
		}
	}
	return keys
}

// flushKey 回刷单个降级记录，必要时裁决冲突
func (r *Reconciler) flushKey(ctx context.Context, key types.RecordKey) error {
	mu := r.coord.locks.lockFor(key.String())
	mu.Lock()
	defer mu.Unlock()

	cached, err := r.coord.Cache().Get(ctx, key)
	if err != nil || !cached.Degraded {
		// 已被在线写入覆盖或已过期，无需回刷
		r.coord.clearPending(key)
		return nil
	}

	flush := cached.Clone()
	flush.Degraded = false

	err = r.coord.Backend().Write(ctx, flush)
	if err == nil {
		return r.settleCache(ctx, key, flush)
	}
	if types.GetErrorCode(err) != types.ErrConflictDetected {
		return err
	}

	// 版本冲突：读回权威记录并裁决
	r.stateMu.Lock()
	r.state.Conflicts++
	r.stateMu.Unlock()

	durableRec, readErr := r.coord.Backend().Read(ctx, key)
	if readErr != nil {
		return readErr
	}

	if durableWins(durableRec, cached) {
		r.logger.Info("conflict resolved, durable wins", zap.String("key", key.String()))
		return r.settleCache(ctx, key, durableRec)
	}

	// 缓存侧获胜：以更高版本重写
	rewrite := cached.Clone()
	rewrite.Version = durableRec.Version + 1
	rewrite.Degraded = false
	if err := r.coord.Backend().Write(ctx, rewrite); err != nil {
		return err
	}
	r.logger.Info("conflict resolved, cached record wins",
		zap.String("key", key.String()), zap.Int64("version", rewrite.Version))
	return r.settleCache(ctx, key, rewrite)
}

// settleCache 回刷成功后让缓存收敛到权威状态
func (r *Reconciler) settleCache(ctx context.Context, key types.RecordKey, final *types.Record) error {
	if final.Status == types.StatusDeleted {
		if err := r.coord.Cache().Invalidate(ctx, key); err != nil {
			return err
		}
	} else {
		settled := final.Clone()
		settled.Degraded = false
		if err := r.coord.Cache().Put(ctx, settled, r.cfg.CacheTTL); err != nil {
			return err
		}
	}
	r.coord.clearPending(key)
	return nil
}

// sweepDurableFlags 清理权威后端里残留的降级标记
//
// 正常回刷写入的就是干净行；这里兜底处理上一轮中断留下的脏行。
func (r *Reconciler) sweepDurableFlags(ctx context.Context) (int, error) {
	records, err := r.coord.Backend().ListDegradedCandidates(ctx, time.Time{}, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, rec := range records {
		if err := r.limiter.Wait(ctx); err != nil {
			return cleared, err
		}
		clean := rec.Clone()
		clean.Degraded = false
		if err := r.coord.Backend().Write(ctx, clean); err != nil {
			r.logger.Warn("degraded flag sweep failed",
				zap.String("key", rec.Key().String()), zap.Error(err))
			continue
		}
		cleared++
	}
	return cleared, nil
}

// durableWins 冲突裁决规则
//
// 权威后端对 completed 记录有最终话语权；in_progress 记录按
// 更新时间裁决，时间相同时权威后端获胜。
func durableWins(durableRec, cachedRec *types.Record) bool {
	if durableRec.Status == types.StatusCompleted {
		return true
	}
	return !cachedRec.UpdatedAt.After(durableRec.UpdatedAt)
}
