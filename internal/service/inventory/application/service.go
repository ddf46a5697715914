package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mercury/internal/lock"
	"mercury/internal/pkg/logger"
	"mercury/internal/pkg/metrics"
	"mercury/internal/resilience"
	"mercury/internal/service/inventory/domain"
)

// lockPrefix 每个商品一把命名锁。
const lockPrefix = "inventory:lock:"

const (
	defaultLockWait  = 5 * time.Second
	defaultLockLease = 10 * time.Second
)

// ErrSystemBusy 锁竞争超时。瞬时错误，调用方可稍后重试。
var ErrSystemBusy = errors.New("inventory: system busy, please retry")

// Service 库存应用服务。台账的每次修改都在商品锁的保护下进行：
// 读取、判断、写回构成一个临界区，杜绝并发预占导致的超卖。
type Service struct {
	repo   domain.Repository
	locks  lock.Client
	policy *resilience.Policy

	lockWait  time.Duration
	lockLease time.Duration
}

func NewService(repo domain.Repository, locks lock.Client, policy *resilience.Policy) *Service {
	if policy == nil {
		policy = resilience.DatabasePolicy()
	}
	return &Service{
		repo:      repo,
		locks:     locks,
		policy:    policy,
		lockWait:  defaultLockWait,
		lockLease: defaultLockLease,
	}
}

// WithLockTimings 覆盖默认的锁等待/持有时长。
func (s *Service) WithLockTimings(wait, lease time.Duration) *Service {
	if wait > 0 {
		s.lockWait = wait
	}
	if lease > 0 {
		s.lockLease = lease
	}
	return s
}

// Reserve 预占库存。可用不足返回 ErrInsufficientStock（永久错误，不重试）。
func (s *Service) Reserve(ctx context.Context, productID string, quantity int64) error {
	return s.withLock(ctx, "reserve", productID, func(ctx context.Context, inv *domain.Inventory) error {
		return inv.Reserve(quantity)
	})
}

// Release 退回预占（补偿路径）。回退量对当前预占封顶，重复调用安全。
func (s *Service) Release(ctx context.Context, productID string, quantity int64) error {
	return s.withLock(ctx, "release", productID, func(ctx context.Context, inv *domain.Inventory) error {
		moved, err := inv.Release(quantity)
		if err != nil {
			return err
		}
		if moved < quantity {
			logger.Ctx(ctx).Warn().
				Str("product_id", productID).
				Int64("requested", quantity).
				Int64("released", moved).
				Msg("release clamped to current reservation")
		}
		return nil
	})
}

// Confirm 把预占转为已消耗（订单成交）。
func (s *Service) Confirm(ctx context.Context, productID string, quantity int64) error {
	return s.withLock(ctx, "confirm", productID, func(ctx context.Context, inv *domain.Inventory) error {
		_, err := inv.Confirm(quantity)
		return err
	})
}

// InitializeStock 建立商品台账并设置初始可用量。
func (s *Service) InitializeStock(ctx context.Context, productID string, quantity int64) error {
	if quantity < 0 {
		return resilience.Permanent(fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity))
	}
	handle, err := s.locks.Acquire(ctx, lockPrefix+productID, s.lockWait, s.lockLease)
	if err != nil {
		return s.lockError(ctx, "initialize", productID, err)
	}
	defer s.release(ctx, handle)

	err = s.policy.Execute(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, &domain.Inventory{ProductID: productID, Available: quantity})
	})
	s.observe(ctx, "initialize", productID, err)
	return err
}

// Status 返回台账快照（只读，不加锁）。
func (s *Service) Status(ctx context.Context, productID string) (*domain.Inventory, error) {
	var inv *domain.Inventory
	err := s.policy.Execute(ctx, func(ctx context.Context) error {
		found, err := s.repo.FindByProductID(ctx, productID)
		if err != nil {
			if errors.Is(err, domain.ErrProductNotFound) {
				return resilience.Permanent(err)
			}
			return err
		}
		inv = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// withLock 在商品锁内执行 读取 → 变更 → 写回。
func (s *Service) withLock(ctx context.Context, op, productID string, mutate func(ctx context.Context, inv *domain.Inventory) error) error {
	handle, err := s.locks.Acquire(ctx, lockPrefix+productID, s.lockWait, s.lockLease)
	if err != nil {
		return s.lockError(ctx, op, productID, err)
	}
	defer s.release(ctx, handle)

	err = s.policy.Execute(ctx, func(ctx context.Context) error {
		inv, err := s.repo.FindByProductID(ctx, productID)
		if err != nil {
			if errors.Is(err, domain.ErrProductNotFound) {
				return resilience.Permanent(err)
			}
			return err
		}
		if err := mutate(ctx, inv); err != nil {
			// 业务拒绝（库存不足、参数非法）是永久错误，不进重试
			return resilience.Permanent(err)
		}
		return s.repo.Save(ctx, inv)
	})
	s.observe(ctx, op, productID, err)
	return err
}

func (s *Service) lockError(ctx context.Context, op, productID string, err error) error {
	metrics.InventoryOps.WithLabelValues(op, "lock_busy").Inc()
	if errors.Is(err, lock.ErrBusy) {
		logger.Ctx(ctx).Warn().
			Str("product_id", productID).
			Str("op", op).
			Msg("inventory lock busy")
		return resilience.Transient(fmt.Errorf("%w: %s", ErrSystemBusy, productID))
	}
	return err
}

func (s *Service) release(ctx context.Context, handle lock.Handle) {
	if err := handle.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		logger.Ctx(ctx).Warn().Err(err).Str("key", handle.Key()).Msg("failed to release inventory lock")
	}
}

func (s *Service) observe(ctx context.Context, op, productID string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, domain.ErrInsufficientStock) {
			result = "insufficient"
		}
		logger.Ctx(ctx).Warn().Err(err).Str("product_id", productID).Str("op", op).Msg("inventory operation failed")
	}
	metrics.InventoryOps.WithLabelValues(op, result).Inc()
}
