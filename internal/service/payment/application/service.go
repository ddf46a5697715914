package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mercury/internal/idempotency"
	"mercury/internal/pkg/logger"
	"mercury/internal/resilience"
	"mercury/internal/service/payment/domain"
	"mercury/internal/service/payment/port"
)

// 幂等记录里的请求类型标记，对账时区分扣款和退款。
const (
	requestTypeCharge = "payment.charge"
	requestTypeRefund = "payment.refund"
)

// ProcessRequest 扣款请求。IdempotencyKey 由调用方（订单 saga）生成并
// 在重试时原样携带，保证同一笔业务绝不重复扣款。
type ProcessRequest struct {
	IdempotencyKey string `json:"-"`
	OrderID        string `json:"orderId"`
	UserID         string `json:"userId"`
	Amount         int64  `json:"amount"`
}

// ProcessResult 扣款结果，幂等重放时返回首次的结果。
type ProcessResult struct {
	PaymentID string        `json:"paymentId"`
	Status    domain.Status `json:"status"`
}

// Service 支付应用服务：幂等防护 + 渠道扣款 + 支付单/出站事件同事务落库。
type Service struct {
	guard     *idempotency.Guard
	gateway   port.Gateway
	persister port.Persister
	policy    *resilience.Policy
}

func NewService(guard *idempotency.Guard, gateway port.Gateway, persister port.Persister, policy *resilience.Policy) *Service {
	if policy == nil {
		policy = resilience.CriticalPolicy()
	}
	return &Service{guard: guard, gateway: gateway, persister: persister, policy: policy}
}

// Process 执行一笔扣款。
// 同一把幂等键的重复请求直接返回首次的结果和状态码，不触达支付渠道；
// 键被不同请求体复用按永久错误拒绝。
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, int, error) {
	if req.IdempotencyKey == "" {
		return nil, 0, resilience.Permanent(fmt.Errorf("payment: idempotency key is required"))
	}
	if req.Amount <= 0 {
		return nil, 0, resilience.Permanent(fmt.Errorf("payment: amount must be positive, got %d", req.Amount))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, resilience.Permanent(fmt.Errorf("payment: failed to marshal request: %w", err))
	}

	previous, storedStatus, replay, err := s.guard.GetPrevious(ctx, req.IdempotencyKey, body)
	if err != nil {
		return nil, 0, resilience.Permanent(err)
	}
	if replay {
		var result ProcessResult
		if err := json.Unmarshal(previous, &result); err != nil {
			return nil, 0, fmt.Errorf("payment: corrupt stored response for key %s: %w", req.IdempotencyKey, err)
		}
		return &result, storedStatus, nil
	}

	payment := &domain.Payment{
		ID:        uuid.NewString(),
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Status:    domain.StatusCompleted,
		CreatedAt: time.Now(),
	}

	err = s.policy.Execute(ctx, func(ctx context.Context) error {
		return s.gateway.Charge(ctx, payment)
	})
	if err != nil {
		// 扣款没成功就不占用幂等键：调用方带同一把键重试时会重新扣款
		return nil, 0, fmt.Errorf("payment: charge failed for order %s: %w", req.OrderID, err)
	}

	if err := s.persister.SavePayment(ctx, payment); err != nil {
		// 渠道已扣款但本地落库失败：人工对账路径
		logger.Ctx(ctx).Error().
			Err(err).
			Str("payment_id", payment.ID).
			Str("order_id", req.OrderID).
			Msg("🚨 charge succeeded but persisting payment failed, reconciliation required")
		return nil, 0, err
	}

	result := &ProcessResult{PaymentID: payment.ID, Status: payment.Status}
	response, err := json.Marshal(result)
	if err != nil {
		return nil, 0, fmt.Errorf("payment: failed to marshal result: %w", err)
	}
	if err := s.guard.StoreResponse(ctx, req.IdempotencyKey, body, requestTypeCharge, response, http.StatusOK); err != nil {
		// 幂等记录写失败只告警：最坏情况是重放时再走一次对账日志
		logger.Ctx(ctx).Error().Err(err).Str("payment_id", payment.ID).Msg("failed to store idempotency record")
	}

	logger.Ctx(ctx).Info().
		Str("payment_id", payment.ID).
		Str("order_id", req.OrderID).
		Int64("amount", req.Amount).
		Msg("✅ payment processed")
	return result, http.StatusOK, nil
}

// RefundRequest 退款请求（saga 补偿路径）。
type RefundRequest struct {
	IdempotencyKey string `json:"-"`
	PaymentID      string `json:"paymentId"`
}

// Refund 退掉一笔已完成的支付。和 Process 一样受幂等键保护，
// 补偿被重放时不会重复退款。
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*ProcessResult, int, error) {
	if req.IdempotencyKey == "" {
		return nil, 0, resilience.Permanent(fmt.Errorf("payment: idempotency key is required"))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, resilience.Permanent(fmt.Errorf("payment: failed to marshal request: %w", err))
	}

	previous, storedStatus, replay, err := s.guard.GetPrevious(ctx, req.IdempotencyKey, body)
	if err != nil {
		return nil, 0, resilience.Permanent(err)
	}
	if replay {
		var result ProcessResult
		if err := json.Unmarshal(previous, &result); err != nil {
			return nil, 0, fmt.Errorf("payment: corrupt stored response for key %s: %w", req.IdempotencyKey, err)
		}
		return &result, storedStatus, nil
	}

	payment, err := s.persister.FindPayment(ctx, req.PaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return nil, 0, resilience.Permanent(err)
		}
		return nil, 0, err
	}
	if payment.Status == domain.StatusRefunded {
		return &ProcessResult{PaymentID: payment.ID, Status: payment.Status}, http.StatusOK, nil
	}

	err = s.policy.Execute(ctx, func(ctx context.Context) error {
		return s.gateway.Refund(ctx, payment.ID, payment.Amount)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("payment: refund failed for %s: %w", req.PaymentID, err)
	}
	if err := s.persister.MarkRefunded(ctx, payment.ID); err != nil {
		logger.Ctx(ctx).Error().
			Err(err).
			Str("payment_id", payment.ID).
			Msg("🚨 refund succeeded but persisting status failed, reconciliation required")
		return nil, 0, err
	}

	result := &ProcessResult{PaymentID: payment.ID, Status: domain.StatusRefunded}
	response, err := json.Marshal(result)
	if err != nil {
		return nil, 0, fmt.Errorf("payment: failed to marshal result: %w", err)
	}
	if err := s.guard.StoreResponse(ctx, req.IdempotencyKey, body, requestTypeRefund, response, http.StatusOK); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("payment_id", payment.ID).Msg("failed to store idempotency record")
	}

	logger.Ctx(ctx).Info().Str("payment_id", payment.ID).Msg("✅ payment refunded")
	return result, http.StatusOK, nil
}
