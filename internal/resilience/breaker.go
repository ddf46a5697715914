// internal/resilience/breaker.go
package resilience

import (
	"fmt"
	"sync"
	"time"

	"mercury/internal/pkg/metrics"
)

// State 熔断器状态机：closed -> open -> half-open -> closed/open。
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig 滑动窗口熔断器配置。
type BreakerConfig struct {
	// WindowSize 统计最近多少次调用（计数窗口）
	WindowSize int
	// MinimumCalls 样本不足时不计算失败率，避免冷启动误熔断
	MinimumCalls int
	// FailureRateThreshold 失败率阈值，百分比 (0,100]
	FailureRateThreshold float64
	// SlowRateThreshold 慢调用率阈值，百分比；0 表示不启用慢调用判定
	SlowRateThreshold float64
	// SlowCallDuration 超过该时长的调用计为慢调用
	SlowCallDuration time.Duration
	// OpenCooldown 打开状态的冷却时长，冷却后进入半开
	OpenCooldown time.Duration
	// HalfOpenMaxCalls 半开状态允许的探测调用数
	HalfOpenMaxCalls int
}

type outcome struct {
	failed bool
	slow   bool
}

// CircuitBreaker 基于计数滑动窗口的熔断器。
// 打开后在冷却期内直接拒绝调用；冷却结束放行固定数量的探测调用，
// 全部成功则关闭，任一失败则重新打开。
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    State
	window   []outcome
	idx      int
	count    int
	openedAt time.Time

	halfOpenIssued  int
	halfOpenSuccess int

	now func() time.Time // 测试可注入时钟
}

func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = 10
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 10
	}
	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		window: make([]outcome, cfg.WindowSize),
		now:    time.Now,
	}
	cb.exportState()
	return cb
}

// Allow 判断当前调用是否放行。被拒绝时返回 ErrCircuitOpen。
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.OpenCooldown {
			// 冷却结束，转入半开并放行第一个探测调用
			cb.toHalfOpen()
			cb.halfOpenIssued++
			return nil
		}
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	case StateHalfOpen:
		if cb.halfOpenIssued < cb.cfg.HalfOpenMaxCalls {
			cb.halfOpenIssued++
			return nil
		}
		// 探测额度已用完，等待结果
		return fmt.Errorf("%w: %s (half-open probes exhausted)", ErrCircuitOpen, cb.name)
	}
	return nil
}

// Record 记录一次调用结果。elapsed 是整次调用（含重试）的耗时。
func (cb *CircuitBreaker) Record(err error, elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil
	slow := cb.cfg.SlowCallDuration > 0 && elapsed >= cb.cfg.SlowCallDuration

	switch cb.state {
	case StateHalfOpen:
		if failed {
			// 探测失败，重新打开并重置冷却
			cb.toOpen()
			return
		}
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenMaxCalls {
			cb.toClosed()
		}
		return
	case StateOpen:
		// 打开期间不应有调用到达这里；防御性忽略
		return
	}

	// closed：写入滑动窗口并评估阈值
	cb.window[cb.idx] = outcome{failed: failed, slow: slow}
	cb.idx = (cb.idx + 1) % cb.cfg.WindowSize
	if cb.count < cb.cfg.WindowSize {
		cb.count++
	}

	if cb.count < cb.cfg.MinimumCalls {
		return
	}

	var failures, slows int
	for i := 0; i < cb.count; i++ {
		if cb.window[i].failed {
			failures++
		}
		if cb.window[i].slow {
			slows++
		}
	}
	failureRate := float64(failures) / float64(cb.count) * 100
	slowRate := float64(slows) / float64(cb.count) * 100

	if failureRate >= cb.cfg.FailureRateThreshold ||
		(cb.cfg.SlowRateThreshold > 0 && slowRate >= cb.cfg.SlowRateThreshold) {
		cb.toOpen()
	}
}

// State 返回当前状态（供监控与测试）。
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) toOpen() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.exportState()
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = StateHalfOpen
	cb.halfOpenIssued = 0
	cb.halfOpenSuccess = 0
	cb.exportState()
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.window = make([]outcome, cb.cfg.WindowSize)
	cb.idx = 0
	cb.count = 0
	cb.exportState()
}

func (cb *CircuitBreaker) exportState() {
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(cb.state))
}
