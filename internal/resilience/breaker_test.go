package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	now := time.Now()
	cb := NewCircuitBreaker(t.Name(), BreakerConfig{
		WindowSize:           100,
		MinimumCalls:         20,
		FailureRateThreshold: 50,
		OpenCooldown:         30 * time.Second,
		HalfOpenMaxCalls:     10,
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	cb, _ := testBreaker(t)
	boom := errors.New("boom")

	// 45 次成功 + 55 次失败：窗口满 100 时失败率 55% > 50%
	for i := 0; i < 45; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(nil, time.Millisecond)
	}
	for i := 0; i < 55 && cb.State() == StateClosed; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(boom, time.Millisecond)
	}

	require.Equal(t, StateOpen, cb.State())
	// 打开期间调用被直接拒绝，不触达底层依赖
	err := cb.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	cb, _ := testBreaker(t)
	boom := errors.New("boom")

	// 19 个样本全失败也不熔断：样本不足
	for i := 0; i < 19; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(boom, time.Millisecond)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbesThenCloses(t *testing.T) {
	cb, now := testBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 20; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(boom, time.Millisecond)
	}
	require.Equal(t, StateOpen, cb.State())

	// 冷却结束后进入半开，放行恰好 HalfOpenMaxCalls 个探测调用
	*now = now.Add(31 * time.Second)
	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Allow(), "probe %d should be allowed", i)
	}
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "probe budget must be exhausted")

	for i := 0; i < 10; i++ {
		cb.Record(nil, time.Millisecond)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenReopensOnProbeFailure(t *testing.T) {
	cb, now := testBreaker(t)
	boom := errors.New("boom")

	for i := 0; i < 20; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(boom, time.Millisecond)
	}
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(31 * time.Second)
	require.NoError(t, cb.Allow())
	cb.Record(boom, time.Millisecond)

	require.Equal(t, StateOpen, cb.State())
	// 重新打开后冷却重新计时
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	*now = now.Add(31 * time.Second)
	assert.NoError(t, cb.Allow())
}

func TestBreakerSlowCallRate(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(t.Name(), BreakerConfig{
		WindowSize:           20,
		MinimumCalls:         20,
		FailureRateThreshold: 100,
		SlowRateThreshold:    80,
		SlowCallDuration:     2 * time.Second,
		OpenCooldown:         30 * time.Second,
		HalfOpenMaxCalls:     5,
	})
	cb.now = func() time.Time { return now }

	// 全部成功但都很慢：慢调用率 100% >= 80%，同样熔断
	for i := 0; i < 20; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(nil, 3*time.Second)
	}
	assert.Equal(t, StateOpen, cb.State())
}
