// internal/resilience/retry.go
package resilience

import (
	"context"
	"time"
)

// RetryPolicy 对瞬时错误做有上限的指数退避重试。
type RetryPolicy struct {
	// MaxAttempts 总尝试次数（含第一次），至少为 1
	MaxAttempts int
	// BaseInterval 第一次重试前的等待时长
	BaseInterval time.Duration
	// MaxInterval 退避的上限
	MaxInterval time.Duration
	// ShouldRetry 判定某个错误是否可重试；为 nil 时使用 IsTransient
	ShouldRetry func(error) bool
}

func NewRetryPolicy(maxAttempts int, base, max time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		BaseInterval: base,
		MaxInterval:  max,
	}
}

// Execute 运行 op，失败且可重试时按 base * 2^(n-1) 退避后重试。
// 永久错误与 ctx 取消会立刻终止重试。
func (r *RetryPolicy) Execute(ctx context.Context, op func(context.Context) error) error {
	shouldRetry := r.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.MaxAttempts || !shouldRetry(err) || IsPermanent(err) {
			return err
		}
		if werr := sleepBackoff(ctx, r.backoff(attempt)); werr != nil {
			return err
		}
	}
}

// backoff 计算第 attempt 次失败后的等待时长。
func (r *RetryPolicy) backoff(attempt int) time.Duration {
	d := r.BaseInterval
	for i := 1; i < attempt; i++ {
		d *= 2
		if r.MaxInterval > 0 && d >= r.MaxInterval {
			return r.MaxInterval
		}
	}
	if r.MaxInterval > 0 && d > r.MaxInterval {
		return r.MaxInterval
	}
	return d
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
