// internal/lock/redis_lock.go
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisx "mercury/internal/pkg/redis"
)

const releaseScriptName = "lock_release"

// releaseScript 只有持有者本人能删除锁，防止租约过期后误删别人的锁。
var releaseScript = `
-- KEYS[1]: 锁的 key
-- ARGV[1]: 持有者 token
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
else
    return 0
end
`

// RedisClient 基于 Redis 的租约锁：SET NX PX 抢锁，Lua 脚本安全释放。
type RedisClient struct {
	client *redisx.Client
	// retryInterval 抢锁失败后的轮询间隔
	retryInterval time.Duration
}

func NewRedisClient(client *redisx.Client) (*RedisClient, error) {
	if err := client.LoadScriptFromContent(releaseScriptName, releaseScript); err != nil {
		return nil, fmt.Errorf("failed to load lock release script: %w", err)
	}
	return &RedisClient{
		client:        client,
		retryInterval: 50 * time.Millisecond,
	}, nil
}

func (c *RedisClient) Acquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := c.client.GetClient().SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: redis setnx failed: %w", err)
		}
		if ok {
			return &redisHandle{client: c.client, key: key, token: token}, nil
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

type redisHandle struct {
	client *redisx.Client
	key    string
	token  string
}

func (h *redisHandle) Release(ctx context.Context) error {
	result, err := h.client.RunScript(ctx, releaseScriptName, []string{h.key}, h.token)
	if err != nil {
		return fmt.Errorf("lock: release script failed: %w", err)
	}
	if deleted, ok := result.(int64); !ok || deleted == 0 {
		// 租约已到期，锁被自动释放过了
		return ErrNotHeld
	}
	return nil
}

func (h *redisHandle) Key() string { return h.key }
