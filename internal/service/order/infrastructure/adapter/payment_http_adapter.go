package adapter

import (
	"context"
	"fmt"

	"mercury/internal/pkg/httpclient"
	"mercury/internal/resilience"
	"mercury/internal/service/order/port"
)

// HeaderIdempotencyKey 幂等键走请求头，请求体保持纯业务字段。
const HeaderIdempotencyKey = "Idempotency-Key"

// PaymentHTTPAdapter 实现了 port.PaymentService 接口。
type PaymentHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
	policy  *resilience.Policy
}

// NewPaymentHTTPAdapter 创建一个新的支付服务适配器。
func NewPaymentHTTPAdapter(client *httpclient.Client, baseURL string, policy *resilience.Policy) *PaymentHTTPAdapter {
	if policy == nil {
		policy = resilience.CriticalPolicy()
	}
	return &PaymentHTTPAdapter{client: client, baseURL: baseURL, policy: policy}
}

type chargeRequest struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Amount  int64  `json:"amount"`
}

func (a *PaymentHTTPAdapter) Process(ctx context.Context, idempotencyKey, orderID, userID string, amount int64) (*port.PaymentResult, error) {
	var result port.PaymentResult
	err := a.policy.Execute(ctx, func(ctx context.Context) error {
		err := a.client.PostJSON(ctx, a.baseURL+"/payments/charge",
			chargeRequest{OrderID: orderID, UserID: userID, Amount: amount},
			&result,
			map[string]string{HeaderIdempotencyKey: idempotencyKey})
		return classifyHTTPError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("payment charge failed for order %s: %w", orderID, err)
	}
	return &result, nil
}

type refundRequest struct {
	PaymentID string `json:"paymentId"`
}

func (a *PaymentHTTPAdapter) Refund(ctx context.Context, idempotencyKey, paymentID string) error {
	err := a.policy.Execute(ctx, func(ctx context.Context) error {
		err := a.client.PostJSON(ctx, a.baseURL+"/payments/refund",
			refundRequest{PaymentID: paymentID},
			nil,
			map[string]string{HeaderIdempotencyKey: idempotencyKey})
		return classifyHTTPError(err)
	})
	if err != nil {
		return fmt.Errorf("payment refund failed for %s: %w", paymentID, err)
	}
	return nil
}
