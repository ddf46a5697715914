// internal/lock/lock.go
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrBusy 表示在等待时限内没有抢到锁。调用方应立即以"系统繁忙"失败，
// 绝不允许无限期阻塞。
var ErrBusy = errors.New("lock: busy")

// ErrNotHeld 释放一把已经不属于自己的锁（租约过期被自动释放后再 Release）。
var ErrNotHeld = errors.New("lock: not held")

// Handle 代表一次成功的持锁。
type Handle interface {
	// Release 显式释放锁。租约到期后锁也会被自动释放（租约语义，不是无限持有）。
	Release(ctx context.Context) error
	// Key 返回锁的资源名。
	Key() string
}

// Client 是命名互斥锁的抽象：等待有上限（wait），持有有上限（lease）。
//
// 注意租约语义的隐患：临界区一旦超过 lease，锁会在操作进行中被静默释放，
// 其他持有者可能并发进入。使用方必须保证临界区明显短于租约时长。
type Client interface {
	Acquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, error)
}
