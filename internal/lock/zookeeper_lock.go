// internal/lock/zookeeper_lock.go
package lock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const lockRoot = "/mercury/locks" // 所有分布式锁的根节点

// ZookeeperClient 基于 ZooKeeper 临时顺序节点的互斥锁。
// 与 Redis 实现的差异：这里没有独立的租约计时，锁的"自动释放"
// 依赖会话超时——进程崩溃后临时节点随会话消失。lease 参数因此
// 只约束会话超时的下限，不提供精确的到期释放。
type ZookeeperClient struct {
	conn *zk.Conn
}

func NewZookeeperClient(addrs []string, sessionTimeout time.Duration) (*ZookeeperClient, error) {
	conn, _, err := zk.Connect(addrs, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("lock: zookeeper connect failed: %w", err)
	}
	return &ZookeeperClient{conn: conn}, nil
}

func (c *ZookeeperClient) Close() {
	c.conn.Close()
}

func (c *ZookeeperClient) Acquire(ctx context.Context, key string, wait, lease time.Duration) (Handle, error) {
	lockPath := lockRoot + "/" + sanitize(key)
	if err := c.ensurePath(lockPath); err != nil {
		return nil, err
	}

	// 1. 创建临时顺序节点
	nodePath, err := c.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", []byte{}, zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, fmt.Errorf("lock: failed to create sequential node: %w", err)
	}

	deadline := time.Now().Add(wait)
	for {
		// 2. 获取锁路径下的所有子节点并排序
		children, _, err := c.conn.Children(lockPath)
		if err != nil {
			c.conn.Delete(nodePath, -1)
			return nil, fmt.Errorf("lock: failed to list children: %w", err)
		}
		sort.Strings(children)

		// 3. 自己是最小节点则持锁成功
		myNode := strings.TrimPrefix(nodePath, lockPath+"/")
		if myNode == children[0] {
			return &zkHandle{conn: c.conn, key: key, nodePath: nodePath}, nil
		}

		// 4. 否则监听前一个节点，等它被删除后再竞争
		prevIndex := -1
		for i, child := range children {
			if child == myNode {
				prevIndex = i - 1
				break
			}
		}
		if prevIndex < 0 {
			c.conn.Delete(nodePath, -1)
			return nil, fmt.Errorf("lock: own node %s missing from children", myNode)
		}

		_, _, eventCh, err := c.conn.ExistsW(lockPath + "/" + children[prevIndex])
		if err != nil {
			if err == zk.ErrNoNode {
				continue // 前一个节点刚好被删除，重新竞争
			}
			c.conn.Delete(nodePath, -1)
			return nil, fmt.Errorf("lock: failed to watch previous node: %w", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.conn.Delete(nodePath, -1)
			return nil, fmt.Errorf("%w: %s (waited %s)", ErrBusy, key, wait)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			c.conn.Delete(nodePath, -1)
			return nil, fmt.Errorf("%w: %s (waited %s)", ErrBusy, key, wait)
		case ev := <-eventCh:
			timer.Stop()
			if ev.Type == zk.EventNodeDeleted {
				continue
			}
		case <-ctx.Done():
			timer.Stop()
			c.conn.Delete(nodePath, -1)
			return nil, ctx.Err()
		}
	}
}

func (c *ZookeeperClient) ensurePath(path string) error {
	// 逐级创建父节点；已存在不算错误
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		exists, _, err := c.conn.Exists(current)
		if err != nil {
			return fmt.Errorf("lock: exists check failed for %s: %w", current, err)
		}
		if exists {
			continue
		}
		if _, err := c.conn.Create(current, []byte{}, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("lock: failed to create path %s: %w", current, err)
		}
	}
	return nil
}

func sanitize(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}

type zkHandle struct {
	conn     *zk.Conn
	key      string
	nodePath string
}

func (h *zkHandle) Release(ctx context.Context) error {
	err := h.conn.Delete(h.nodePath, -1)
	if err == zk.ErrNoNode {
		return ErrNotHeld
	}
	if err != nil {
		return fmt.Errorf("lock: failed to delete lock node: %w", err)
	}
	return nil
}

func (h *zkHandle) Key() string { return h.key }
