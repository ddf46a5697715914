// internal/service/order/port/port.go
package port

import (
	"context"

	"mercury/internal/service/order/domain"
)

// InventoryService 库存服务的出站端口，由 HTTP 适配器实现。
type InventoryService interface {
	Reserve(ctx context.Context, productID string, quantity int64) error
	Release(ctx context.Context, productID string, quantity int64) error
	Confirm(ctx context.Context, productID string, quantity int64) error
}

// PaymentResult 支付服务的返回。
type PaymentResult struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
}

// PaymentService 支付服务的出站端口。idempotencyKey 在 saga 重试间保持不变。
type PaymentService interface {
	Process(ctx context.Context, idempotencyKey, orderID, userID string, amount int64) (*PaymentResult, error)
	Refund(ctx context.Context, idempotencyKey, paymentID string) error
}

// NotificationProducer 下单结果通知的出站端口，由 Kafka 适配器实现。
type NotificationProducer interface {
	OrderPlaced(ctx context.Context, order *domain.Order) error
}

// OrderStore 订单聚合的持久化端口：事件追加和出站事件登记在同一个事务里。
type OrderStore interface {
	Save(ctx context.Context, order *domain.Order) error
	Load(ctx context.Context, orderID string) (*domain.Order, error)
}
