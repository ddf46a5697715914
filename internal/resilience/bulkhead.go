// internal/resilience/bulkhead.go
package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Bulkhead 用信号量限制某一类操作的并发数，
// 防止单个慢依赖耗尽整个进程的 goroutine / 连接资源。
type Bulkhead struct {
	name    string
	sem     *semaphore.Weighted
	maxWait time.Duration
}

// NewBulkhead 创建一个舱壁。limit 是并发上限，maxWait 是排队等待的时限。
func NewBulkhead(name string, limit int64, maxWait time.Duration) *Bulkhead {
	return &Bulkhead{
		name:    name,
		sem:     semaphore.NewWeighted(limit),
		maxWait: maxWait,
	}
}

// Acquire 获取一个并发额度。排队超过 maxWait 返回 ErrBulkheadFull；
// 调用方的 ctx 先取消则原样返回 ctx 的错误。
func (b *Bulkhead) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, b.maxWait)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s (waited %s)", ErrBulkheadFull, b.name, b.maxWait)
	}
	return nil
}

// Release 归还额度。必须与成功的 Acquire 一一配对。
func (b *Bulkhead) Release() {
	b.sem.Release(1)
}
