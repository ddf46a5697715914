package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mercury/internal/pkg/mq"
	"mercury/internal/resilience"
	"mercury/internal/service/order/domain"
)

// notificationTopic 下单结果通知主题，由通知服务消费。
const notificationTopic = "order-notifications"

// NotificationKafkaAdapter 实现了 port.NotificationProducer 接口。
type NotificationKafkaAdapter struct {
	producer *mq.Producer
	policy   *resilience.Policy
}

// NewNotificationKafkaAdapter 创建一个新的通知适配器。
func NewNotificationKafkaAdapter(producer *mq.Producer, policy *resilience.Policy) *NotificationKafkaAdapter {
	if policy == nil {
		policy = resilience.BrokerPolicy()
	}
	return &NotificationKafkaAdapter{producer: producer, policy: policy}
}

type orderPlacedMessage struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	Quantity  int64     `json:"quantity"`
	Amount    int64     `json:"amount"`
	State     string    `json:"state"`
	PlacedAt  time.Time `json:"placedAt"`
}

func (a *NotificationKafkaAdapter) OrderPlaced(ctx context.Context, order *domain.Order) error {
	payload, err := json.Marshal(orderPlacedMessage{
		OrderID:   order.ID(),
		UserID:    order.UserID,
		ProductID: order.ProductID,
		Quantity:  order.Quantity,
		Amount:    order.Amount,
		State:     string(order.State),
		PlacedAt:  order.UpdatedAt,
	})
	if err != nil {
		return resilience.Permanent(fmt.Errorf("notification: failed to marshal message: %w", err))
	}

	err = a.policy.Execute(ctx, func(ctx context.Context) error {
		sendErr := a.producer.Send(ctx, notificationTopic, []byte(order.ID()), payload, map[string]string{
			mq.HeaderEventType:    "OrderPlaced",
			mq.HeaderEventVersion: "v1",
		})
		if sendErr != nil {
			return resilience.Transient(sendErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("notification send failed for order %s: %w", order.ID(), err)
	}
	return nil
}
