// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mercury/internal/pkg/logger"
	"mercury/internal/resilience"
	"mercury/internal/saga"
	"mercury/internal/service/order/domain"
	"mercury/internal/service/order/port"
)

// SagaTypePlaceOrder 下单 saga 的类型名，启动时注册步骤工厂。
const SagaTypePlaceOrder = "place-order"

// ErrTryAgainLater 对外的统一失败口径：内部已经回滚干净，
// 不向调用方泄露失败细节。
var ErrTryAgainLater = errors.New("order: service temporarily unavailable, please try again later")

// PlaceOrderRequest 下单请求。
type PlaceOrderRequest struct {
	UserID    string `json:"userId"`
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	Amount    int64  `json:"amount"`
}

// PlaceOrderResult 下单结果。
type PlaceOrderResult struct {
	OrderID string `json:"orderId"`
	SagaID  string `json:"sagaId"`
}

// Service 订单应用服务：把下单编排成五步 saga
// validate → reserve-inventory → process-payment → create-order → notify，
// 任何一步终败都逆序回滚前面的步骤。
type Service struct {
	orchestrator *saga.Orchestrator
	orders       port.OrderStore
	inventory    port.InventoryService
	payment      port.PaymentService
	notifier     port.NotificationProducer
}

func NewService(orchestrator *saga.Orchestrator, orders port.OrderStore, inventory port.InventoryService, payment port.PaymentService, notifier port.NotificationProducer) *Service {
	s := &Service{
		orchestrator: orchestrator,
		orders:       orders,
		inventory:    inventory,
		payment:      payment,
		notifier:     notifier,
	}
	orchestrator.RegisterSagaType(SagaTypePlaceOrder, s.placeOrderSteps)
	return s
}

// PlaceOrder 同步执行下单 saga。
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	orderID := uuid.NewString()
	data := map[string]any{
		"orderId":    orderID,
		"userId":     req.UserID,
		"productId":  req.ProductID,
		"quantity":   req.Quantity,
		"amount":     req.Amount,
		"paymentKey": orderID + "-payment",
	}

	instance, err := s.orchestrator.Create(ctx, SagaTypePlaceOrder, data)
	if err != nil {
		return nil, err
	}
	if err := s.orchestrator.Run(ctx, instance); err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("order_id", orderID).
			Str("saga_id", instance.ID).
			Msg("place-order saga failed")
		return nil, ErrTryAgainLater
	}

	// 预占转消耗放在 saga 之外：走到这里订单已经成交，任何一步的
	// 补偿都不再会发生。confirm 一旦进入 saga，后续步骤失败时补偿的
	// Release 只能退回预占量，已消耗的库存就永久丢了。
	// confirm 失败不回滚整单：预占还在（不会超卖），留对账告警。
	if err := s.inventory.Confirm(ctx, req.ProductID, req.Quantity); err != nil {
		logger.Ctx(ctx).Error().
			Err(err).
			Str("order_id", orderID).
			Str("product_id", req.ProductID).
			Int64("quantity", req.Quantity).
			Msg("🚨 order placed but stock confirm failed, reconciliation required")
	}
	return &PlaceOrderResult{OrderID: orderID, SagaID: instance.ID}, nil
}

// Cancel 用户主动取消订单。
func (s *Service) Cancel(ctx context.Context, orderID, reason string) error {
	order, err := s.orders.Load(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.Cancel(reason); err != nil {
		return resilience.Permanent(err)
	}
	return s.orders.Save(ctx, order)
}

// Get 读取订单当前状态（按事件历史回放）。
func (s *Service) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.Load(ctx, orderID)
}

// placeOrderSteps 构造下单 saga 的步骤序列。
// 步骤间通过实例数据传递 orderId/paymentId 等结果。
func (s *Service) placeOrderSteps() []*saga.Step {
	return []*saga.Step{
		saga.NewStep("validate", func(ctx context.Context, data map[string]any) error {
			if dataString(data, "userId") == "" || dataString(data, "productId") == "" {
				return resilience.Permanent(domain.ErrEmptyOrder)
			}
			if dataInt64(data, "quantity") <= 0 || dataInt64(data, "amount") <= 0 {
				return resilience.Permanent(fmt.Errorf("%w: quantity and amount must be positive", domain.ErrEmptyOrder))
			}
			return nil
		}),

		saga.NewStep("reserve-inventory", func(ctx context.Context, data map[string]any) error {
			return s.inventory.Reserve(ctx, dataString(data, "productId"), dataInt64(data, "quantity"))
		}).WithCompensation(func(ctx context.Context, data map[string]any) error {
			return s.inventory.Release(ctx, dataString(data, "productId"), dataInt64(data, "quantity"))
		}),

		saga.NewStep("process-payment", func(ctx context.Context, data map[string]any) error {
			result, err := s.payment.Process(ctx,
				dataString(data, "paymentKey"),
				dataString(data, "orderId"),
				dataString(data, "userId"),
				dataInt64(data, "amount"))
			if err != nil {
				return err
			}
			data["paymentId"] = result.PaymentID
			return nil
		}).WithCompensation(func(ctx context.Context, data map[string]any) error {
			paymentID := dataString(data, "paymentId")
			if paymentID == "" {
				return nil // 扣款从未成功，无需退款
			}
			return s.payment.Refund(ctx, dataString(data, "paymentKey")+"-refund", paymentID)
		}),

		saga.NewStep("create-order", func(ctx context.Context, data map[string]any) error {
			order := domain.NewOrder(dataString(data, "orderId"))
			if err := order.Create(
				dataString(data, "userId"),
				dataString(data, "productId"),
				dataInt64(data, "quantity"),
				dataInt64(data, "amount")); err != nil {
				return resilience.Permanent(err)
			}
			if err := order.CompletePayment(dataString(data, "paymentId")); err != nil {
				return resilience.Permanent(err)
			}
			return s.orders.Save(ctx, order)
		}).WithCompensation(func(ctx context.Context, data map[string]any) error {
			order, err := s.orders.Load(ctx, dataString(data, "orderId"))
			if err != nil {
				if errors.Is(err, domain.ErrOrderNotFound) {
					return nil // 订单没写成功，无需取消
				}
				return err
			}
			if err := order.Cancel("saga compensation"); err != nil {
				return err
			}
			return s.orders.Save(ctx, order)
		}),

		saga.NewStep("notify", func(ctx context.Context, data map[string]any) error {
			order, err := s.orders.Load(ctx, dataString(data, "orderId"))
			if err != nil {
				return err
			}
			return s.notifier.OrderPlaced(ctx, order)
		}),
	}
}

// 实例数据经过 JSON 持久化后数字会变成 float64，读取时两种形态都要兼容。

func dataString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func dataInt64(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
