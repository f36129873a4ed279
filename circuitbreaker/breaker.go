// Package circuitbreaker implements the failure-detection gate in front of
// the durable backend.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memstore/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// SuccessThreshold 半开状态下连续成功次数阈值（恢复关闭）
	SuccessThreshold int

	// Timeout 熔断恢复等待时间（Open -> HalfOpen）
	Timeout time.Duration

	// HalfOpenMaxAttempts 半开状态下允许的最大探测请求数
	HalfOpenMaxAttempts int

	// BackoffMultiplier 重复熔断时 Timeout 的退避倍数
	BackoffMultiplier float64

	// MaxTimeout 恢复等待时间上限
	MaxTimeout time.Duration

	// OnStateChange 状态变更回调
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxAttempts: 3,
		BackoffMultiplier:   2.0,
		MaxTimeout:          5 * time.Minute,
	}
}

// Stats 熔断器统计信息
type Stats struct {
	TotalCalls          uint64 `json:"total_calls"`
	SuccessfulCalls     uint64 `json:"successful_calls"`
	FailedCalls         uint64 `json:"failed_calls"`
	RejectedCalls       uint64 `json:"rejected_calls"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	CircuitOpenedCount  int    `json:"circuit_opened_count"`
}

// Breaker 熔断器
//
// Allow 走读锁快路径；状态转换持写锁。对同一持久化后端的所有调用共享
// 一个 Breaker 实例。
type Breaker struct {
	config *Config
	logger *zap.Logger

	mu               sync.RWMutex
	state            State
	stats            Stats
	openedAt         time.Time     // 最近一次进入 Open 的时间
	halfOpenAt       time.Time     // 最近一次进入半开（或重新放行探测）的时间
	currentTimeout   time.Duration // 当前恢复等待时间（随重复熔断退避）
	halfOpenAttempts int           // 半开状态下已放行的探测数
	halfOpenSuccess  int           // 半开状态下连续成功数
}

// New 创建熔断器
func New(config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	// 参数校验
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxAttempts <= 0 {
		config.HalfOpenMaxAttempts = 3
	}
	// 探测名额少于恢复所需成功数时，半开状态永远无法关闭
	if config.HalfOpenMaxAttempts < config.SuccessThreshold {
		config.HalfOpenMaxAttempts = config.SuccessThreshold
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 2.0
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = 5 * time.Minute
	}

	return &Breaker{
		config:         config,
		logger:         logger.With(zap.String("component", "circuit_breaker")),
		state:          StateClosed,
		currentTimeout: config.Timeout,
	}
}

// Allow 判断当前是否允许发起请求
//
// Closed 状态走读锁直接放行；Open 超时后转入 HalfOpen 并放行探测；
// 其余情况返回 BACKEND_UNAVAILABLE。
func (b *Breaker) Allow() error {
	// 快路径：Closed 状态只需要读锁
	b.mu.RLock()
	if b.state == StateClosed {
		b.mu.RUnlock()
		return nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.currentTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenAt = time.Now()
			b.halfOpenAttempts = 1
			b.halfOpenSuccess = 0
			b.logger.Info("熔断器进入半开状态",
				zap.Duration("waited", b.currentTimeout),
			)
			return nil
		}
		b.stats.RejectedCalls++
		return types.NewError(types.ErrBackendUnavailable, "circuit breaker is open")

	case StateHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMaxAttempts {
			// 探测名额可能被无结果的调用耗尽（如结果上报前调用方崩溃）。
			// 再等一个恢复周期后重新放行一轮探测，避免永久卡在半开。
			if time.Since(b.halfOpenAt) >= b.currentTimeout {
				b.halfOpenAt = time.Now()
				b.halfOpenAttempts = 1
				b.halfOpenSuccess = 0
				b.logger.Warn("半开探测名额耗尽且无结果，重新放行探测")
				return nil
			}
			b.stats.RejectedCalls++
			return types.NewError(types.ErrBackendUnavailable, "too many probes in half-open state")
		}
		b.halfOpenAttempts++
		return nil

	default:
		return types.NewError(types.ErrBackendUnavailable, "unknown circuit breaker state")
	}
}

// RecordSuccess 上报一次成功调用
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalCalls++
	b.stats.SuccessfulCalls++

	switch b.state {
	case StateClosed:
		b.stats.ConsecutiveFailures = 0

	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.config.SuccessThreshold {
			b.logger.Info("熔断器恢复正常",
				zap.Int("probe_successes", b.halfOpenSuccess),
			)
			b.setState(StateClosed)
			b.stats.ConsecutiveFailures = 0
			b.halfOpenAttempts = 0
			b.halfOpenSuccess = 0
			// 恢复后重置退避
			b.currentTimeout = b.config.Timeout
		}

	case StateOpen:
		// 打开状态不应该有调用
		b.logger.Warn("熔断器打开状态收到成功响应")
	}
}

// RecordFailure 上报一次失败调用
//
// 不可重试的错误（如参数校验失败）不应计入熔断失败，由调用方过滤。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalCalls++
	b.stats.FailedCalls++
	b.stats.ConsecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.stats.ConsecutiveFailures >= b.config.FailureThreshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.stats.ConsecutiveFailures),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.open()
		}

	case StateHalfOpen:
		// 半开状态任何失败都重新打开，并对恢复等待时间做指数退避
		b.logger.Warn("熔断器半开状态失败，重新打开",
			zap.Int("probe_attempts", b.halfOpenAttempts),
		)
		b.currentTimeout = b.nextTimeout()
		b.open()
		b.halfOpenAttempts = 0
		b.halfOpenSuccess = 0

	case StateOpen:
		// 已经打开，只记录失败
	}
}

// ReleaseProbe 退还一个未产生结果的半开探测名额
//
// Allow 放行后没有发生后端调用时（如连接池已关闭）由调用方退还，
// 其余状态下为空操作。
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenAttempts > 0 {
		b.halfOpenAttempts--
	}
}

// Do 以熔断保护执行一次调用
//
// Allow 拒绝时立即返回；完成后按错误可重试性上报结果。
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		b.RecordSuccess()
		return nil
	}

	if types.IsRetryable(err) {
		b.RecordFailure()
	} else {
		// 非瞬态错误说明后端有响应，对熔断器而言是一次成功调用；
		// 否则半开探测名额会被 NOT_FOUND 之类的业务错误白白耗尽
		b.logger.Debug("non-recoverable error, counted as circuit success", zap.Error(err))
		b.RecordSuccess()
	}
	return err
}

// State 返回当前状态
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats 返回统计信息快照
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// CurrentTimeout 返回当前恢复等待时间（含退避）
func (b *Breaker) CurrentTimeout() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentTimeout
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.stats.ConsecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.halfOpenSuccess = 0
	b.currentTimeout = b.config.Timeout

	b.logger.Info("熔断器已重置",
		zap.String("from_state", oldState.String()),
	)

	if oldState != StateClosed && b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}

// open 进入 Open 状态（调用方需持写锁）
func (b *Breaker) open() {
	b.setState(StateOpen)
	b.openedAt = time.Now()
	b.stats.CircuitOpenedCount++
}

// nextTimeout 计算退避后的恢复等待时间（调用方需持写锁）
func (b *Breaker) nextTimeout() time.Duration {
	next := time.Duration(float64(b.currentTimeout) * b.config.BackoffMultiplier)
	if next > b.config.MaxTimeout {
		return b.config.MaxTimeout
	}
	return next
}

// setState 设置状态并触发回调（调用方需持写锁）
func (b *Breaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}
