package durable

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🔁 有界指数退避重试
// =============================================================================

// RetryConfig 重试策略
type RetryConfig struct {
	MaxRetries     int           // 首次调用之外的最大重试次数
	InitialBackoff time.Duration // 首次重试前的等待时间
	MaxBackoff     time.Duration // 退避上限
}

// DefaultRetryConfig 默认重试策略
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c RetryConfig) sanitize() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// BackoffAt 返回第 attempt 次重试前的等待时间（attempt 从 0 开始）。
// 每次翻倍，封顶 MaxBackoff。
func (c RetryConfig) BackoffAt(attempt int) time.Duration {
	c = c.sanitize()
	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if backoff > c.MaxBackoff {
		return c.MaxBackoff
	}
	return backoff
}

// retryableFunc 判定错误是否允许重试
type retryableFunc func(error) bool

// Retry 以指数退避重试 fn
//
// 只重试 isRetryable 判定为真的错误；ctx 取消立即放弃并返回
// 最后一次的错误（若尚未调用过则返回 ctx.Err()）。
func Retry(ctx context.Context, cfg RetryConfig, isRetryable retryableFunc, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	cfg = cfg.sanitize()
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt >= cfg.MaxRetries {
			return lastErr
		}

		backoff := cfg.BackoffAt(attempt)
		logger.Debug("retrying after failure",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}
