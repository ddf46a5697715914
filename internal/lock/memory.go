// internal/lock/memory.go
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryClient 单进程内存锁，用于本地开发和测试。
// 语义对齐 Redis 实现：wait 内轮询抢锁，lease 到期自动释放。
type MemoryClient struct {
	mu            sync.Mutex
	holders       map[string]*memoryEntry
	retryInterval time.Duration
}

type memoryEntry struct {
	token string
	timer *time.Timer
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		holders:       make(map[string]*memoryEntry),
		retryInterval: 5 * time.Millisecond,
	}
}

func (c *MemoryClient) Acquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, error) {
	deadline := time.Now().Add(wait)
	for {
		if token, ok := c.tryAcquire(key, lease); ok {
			return &memoryHandle{client: c, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s (waited %s)", ErrBusy, key, wait)
		}

		timer := time.NewTimer(c.retryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *MemoryClient) tryAcquire(key string, lease time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.holders[key]; held {
		return "", false
	}
	token := fmt.Sprintf("%s-%d", key, time.Now().UnixNano())
	entry := &memoryEntry{token: token}
	entry.timer = time.AfterFunc(lease, func() {
		c.releaseIfOwner(key, token)
	})
	c.holders[key] = entry
	return token, true
}

func (c *MemoryClient) releaseIfOwner(key, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, held := c.holders[key]
	if !held || entry.token != token {
		return false
	}
	entry.timer.Stop()
	delete(c.holders, key)
	return true
}

type memoryHandle struct {
	client *MemoryClient
	key    string
	token  string
}

func (h *memoryHandle) Release(ctx context.Context) error {
	if !h.client.releaseIfOwner(h.key, h.token) {
		return ErrNotHeld
	}
	return nil
}

func (h *memoryHandle) Key() string { return h.key }
