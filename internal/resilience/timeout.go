// internal/resilience/timeout.go
package resilience

import (
	"context"
	"fmt"
	"time"
)

// runWithTimeout 给单次调用加上时限。超时后调用被协作式取消
// （op 通过 ctx 感知取消），并转换为 ErrTimeout 上抛。
// 注意：op 的 goroutine 在超时后仍会运行到自己检查 ctx 为止，
// 所以传给 op 的 ctx 必须贯穿其所有阻塞点。
func runWithTimeout(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	if d <= 0 {
		return op(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(tctx)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			// 上游取消优先于超时
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}
