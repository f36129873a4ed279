package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 操作指标
	opsTotal   *prometheus.CounterVec
	opDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	cacheEvictions   *prometheus.CounterVec
	cacheExpirations *prometheus.CounterVec

	// 熔断指标
	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec

	// 连接池指标
	poolUtilization prometheus.Gauge
	poolWaitSeconds prometheus.Histogram
	poolTimeouts    prometheus.Counter

	// 对账指标
	reconcileFlushes   prometheus.Counter
	reconcileConflicts prometheus.Counter
	degradedBacklog    prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 操作指标
	c.opsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"op", "outcome"}, // op: store, fetch, remove; outcome: committed, degraded, hit, miss, error, not_found
	)

	c.opDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Storage operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"op"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"tier"},
	)

	c.cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache entries evicted by capacity",
		},
		[]string{"tier"},
	)

	c.cacheExpirations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_expirations_total",
			Help:      "Total number of cache entries removed by TTL",
		},
		[]string{"tier"},
	)

	// 熔断指标
	c.breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)

	c.breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// 连接池指标
	c.poolUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_utilization",
			Help:      "Fraction of connection permits in use",
		},
	)

	c.poolWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_wait_seconds",
			Help:      "Time spent waiting for a connection permit",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	c.poolTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_timeouts_total",
			Help:      "Total number of connection permit acquire timeouts",
		},
	)

	// 对账指标
	c.reconcileFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_flushes_total",
			Help:      "Total number of degraded records flushed to the durable backend",
		},
	)

	c.reconcileConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_conflicts_total",
			Help:      "Total number of conflicts resolved during reconciliation",
		},
	)

	c.degradedBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_backlog",
			Help:      "Number of degraded records awaiting reconciliation",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 操作指标记录
// =============================================================================

// RecordOperation 记录一次存储操作
func (c *Collector) RecordOperation(op, outcome string, duration time.Duration) {
	c.opsTotal.WithLabelValues(op, outcome).Inc()
	c.opDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// SetCacheCounters 以绝对值同步缓存计数（来自缓存层的统计快照）
func (c *Collector) SetCacheCounters(tier string, hits, misses, evictions, expirations float64) {
	// CounterVec 不能回拨，这里只在快照前进时补增量
	addDelta(c.cacheHits.WithLabelValues(tier), hits)
	addDelta(c.cacheMisses.WithLabelValues(tier), misses)
	addDelta(c.cacheEvictions.WithLabelValues(tier), evictions)
	addDelta(c.cacheExpirations.WithLabelValues(tier), expirations)
}

// addDelta 把计数器补到目标绝对值
func addDelta(counter prometheus.Counter, target float64) {
	var m dto.Metric
	if err := counter.Write(&m); err != nil {
		return
	}
	current := m.GetCounter().GetValue()
	if target > current {
		counter.Add(target - current)
	}
}

// =============================================================================
// 🏥 熔断与连接池指标记录
// =============================================================================

// SetBreakerState 更新熔断器状态
func (c *Collector) SetBreakerState(state float64) {
	c.breakerState.Set(state)
}

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(from, to string) {
	c.breakerTransitions.WithLabelValues(from, to).Inc()
}

// SetPoolUtilization 更新连接池利用率
func (c *Collector) SetPoolUtilization(utilization float64) {
	c.poolUtilization.Set(utilization)
}

// RecordPoolWait 记录一次许可等待
func (c *Collector) RecordPoolWait(wait time.Duration) {
	c.poolWaitSeconds.Observe(wait.Seconds())
}

// RecordPoolTimeout 记录一次许可获取超时
func (c *Collector) RecordPoolTimeout() {
	c.poolTimeouts.Inc()
}

// =============================================================================
// 🔄 对账指标记录
// =============================================================================

// RecordReconcileFlush 记录回刷成功的记录数
func (c *Collector) RecordReconcileFlush(count int) {
	c.reconcileFlushes.Add(float64(count))
}

// RecordReconcileConflict 记录一次冲突裁决
func (c *Collector) RecordReconcileConflict() {
	c.reconcileConflicts.Inc()
}

// SetDegradedBacklog 更新降级积压数量
func (c *Collector) SetDegradedBacklog(count int) {
	c.degradedBacklog.Set(float64(count))
}
