// internal/service/order/domain/event.go
package domain

import (
	"time"

	"mercury/internal/eventstore"
)

// OrderCreated 订单建立。
type OrderCreated struct {
	OrderID    string    `json:"orderId"`
	UserID     string    `json:"userId"`
	ProductID  string    `json:"productId"`
	Quantity   int64     `json:"quantity"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (OrderCreated) EventType() string    { return "OrderCreated" }
func (OrderCreated) EventVersion() string { return "v1" }

// PaymentCompleted 支付完成。
type PaymentCompleted struct {
	OrderID    string    `json:"orderId"`
	PaymentID  string    `json:"paymentId"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (PaymentCompleted) EventType() string    { return "OrderPaymentCompleted" }
func (PaymentCompleted) EventVersion() string { return "v1" }

// OrderCancelled 订单取消。
type OrderCancelled struct {
	OrderID    string    `json:"orderId"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (OrderCancelled) EventType() string    { return "OrderCancelled" }
func (OrderCancelled) EventVersion() string { return "v1" }

// RegisterEvents 把订单事件登记到事件注册表，服务启动时调用一次。
func RegisterEvents(registry *eventstore.Registry) {
	registry.Register("OrderCreated", func() eventstore.Event { return &OrderCreated{} })
	registry.Register("OrderPaymentCompleted", func() eventstore.Event { return &PaymentCompleted{} })
	registry.Register("OrderCancelled", func() eventstore.Event { return &OrderCancelled{} })
}
