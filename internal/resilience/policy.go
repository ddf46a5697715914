// internal/resilience/policy.go
package resilience

import (
	"context"
	"time"
)

// Policy 把四个弹性机制按固定顺序组合成一条显式的调用链：
//
//	bulkhead -> circuit breaker -> retry -> timeout -> op
//
// 顺序含义：舱壁先挡住过载；熔断器以"一次完整调用（含重试）"为粒度统计；
// 重试包裹在超时之外，因此每次尝试都有独立的时限。
// 每一级都返回带类型的错误，调用方可以用 errors.Is 精确分支。
type Policy struct {
	name     string
	bulkhead *Bulkhead
	breaker  *CircuitBreaker
	retry    *RetryPolicy
	timeout  time.Duration
}

// NewPolicy 创建一个空策略，各级机制通过 With* 按需挂载。
func NewPolicy(name string) *Policy {
	return &Policy{name: name}
}

func (p *Policy) WithBulkhead(limit int64, maxWait time.Duration) *Policy {
	p.bulkhead = NewBulkhead(p.name, limit, maxWait)
	return p
}

func (p *Policy) WithBreaker(cfg BreakerConfig) *Policy {
	p.breaker = NewCircuitBreaker(p.name, cfg)
	return p
}

func (p *Policy) WithRetry(maxAttempts int, base, max time.Duration) *Policy {
	p.retry = NewRetryPolicy(maxAttempts, base, max)
	return p
}

func (p *Policy) WithTimeout(d time.Duration) *Policy {
	p.timeout = d
	return p
}

// Name 返回策略名（也是熔断器/舱壁的指标标签）。
func (p *Policy) Name() string { return p.name }

// Breaker 暴露熔断器，供监控端点读取状态。
func (p *Policy) Breaker() *CircuitBreaker { return p.breaker }

// Execute 在整条弹性链路内执行 op。
func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	if p.bulkhead != nil {
		if err := p.bulkhead.Acquire(ctx); err != nil {
			return err
		}
		defer p.bulkhead.Release()
	}

	if p.breaker != nil {
		if err := p.breaker.Allow(); err != nil {
			return err
		}
	}

	attempt := func(ctx context.Context) error {
		return runWithTimeout(ctx, p.timeout, op)
	}

	start := time.Now()
	var err error
	if p.retry != nil {
		err = p.retry.Execute(ctx, attempt)
	} else {
		err = attempt(ctx)
	}

	if p.breaker != nil {
		p.breaker.Record(err, time.Since(start))
	}
	return err
}

// 以下是三类操作的默认策略。数值是默认值而非硬性要求，
// 按压测结果调整时只需要改这里。

// DatabasePolicy 数据库类调用：失败率 50%、窗口 100、最少 20 个样本、
// 冷却 30s、超时 3s、舱壁 20 并发 / 等待 500ms、重试 3 次起步 100ms。
func DatabasePolicy() *Policy {
	return NewPolicy("database").
		WithBulkhead(20, 500*time.Millisecond).
		WithBreaker(BreakerConfig{
			WindowSize:           100,
			MinimumCalls:         20,
			FailureRateThreshold: 50,
			SlowRateThreshold:    80,
			SlowCallDuration:     2 * time.Second,
			OpenCooldown:         30 * time.Second,
			HalfOpenMaxCalls:     10,
		}).
		WithRetry(3, 100*time.Millisecond, 10*time.Second).
		WithTimeout(3 * time.Second)
}

// BrokerPolicy 消息队列类调用：失败率阈值放宽到 60%，冷却 60s，
// 超时 5s，舱壁 10 并发，重试 5 次起步 500ms。
func BrokerPolicy() *Policy {
	return NewPolicy("broker").
		WithBulkhead(10, time.Second).
		WithBreaker(BreakerConfig{
			WindowSize:           100,
			MinimumCalls:         20,
			FailureRateThreshold: 60,
			SlowRateThreshold:    80,
			SlowCallDuration:     5 * time.Second,
			OpenCooldown:         60 * time.Second,
			HalfOpenMaxCalls:     10,
		}).
		WithRetry(5, 500*time.Millisecond, 30*time.Second).
		WithTimeout(5 * time.Second)
}

// CriticalPolicy 核心链路（下单）：舱壁 50 并发 / 等待 100ms 快速失败，
// 超时 5s，重试 3 次起步 100ms。
func CriticalPolicy() *Policy {
	return NewPolicy("critical").
		WithBulkhead(50, 100*time.Millisecond).
		WithBreaker(BreakerConfig{
			WindowSize:           100,
			MinimumCalls:         20,
			FailureRateThreshold: 50,
			SlowRateThreshold:    80,
			SlowCallDuration:     3 * time.Second,
			OpenCooldown:         20 * time.Second,
			HalfOpenMaxCalls:     10,
		}).
		WithRetry(3, 100*time.Millisecond, 5*time.Second).
		WithTimeout(5 * time.Second)
}
