// internal/service/order/infrastructure/order_store.go
package infrastructure

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"mercury/internal/eventstore"
	"mercury/internal/outbox"
	"mercury/internal/service/order/domain"
)

// GormOrderStore 订单聚合的持久化：领域事件追加和 outbox 登记
// 在同一个数据库事务里提交。业务状态和"事件会被投递"这件事
// 要么一起成立，要么一起失败。
type GormOrderStore struct {
	db        *gorm.DB
	registry  *eventstore.Registry
	publisher *outbox.Publisher
}

func NewGormOrderStore(db *gorm.DB, registry *eventstore.Registry, publisher *outbox.Publisher) *GormOrderStore {
	return &GormOrderStore{db: db, registry: registry, publisher: publisher}
}

func (s *GormOrderStore) Save(ctx context.Context, order *domain.Order) error {
	events := order.Root().Uncommitted()
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, event := range events {
			if err := s.publisher.Publish(ctx, tx, order.AggregateType(), order.ID(),
				event.EventType(), event.EventVersion(), event, nil); err != nil {
				return err
			}
		}
		store := eventstore.NewStore(eventstore.NewGormRepository(tx), s.registry)
		return store.Append(ctx, order)
	})
}

func (s *GormOrderStore) Load(ctx context.Context, orderID string) (*domain.Order, error) {
	store := eventstore.NewStore(eventstore.NewGormRepository(s.db), s.registry)
	agg, err := store.Load(ctx, orderID, func(id string) eventstore.Aggregate {
		return domain.NewOrder(id)
	})
	if err != nil {
		if errors.Is(err, eventstore.ErrAggregateNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return agg.(*domain.Order), nil
}
