package port

import (
	"context"

	"mercury/internal/service/payment/domain"
)

// Gateway 外部支付渠道。拒付返回 domain.ErrPaymentDeclined，
// 渠道不可用返回瞬时错误。
type Gateway interface {
	Charge(ctx context.Context, payment *domain.Payment) error
	Refund(ctx context.Context, paymentID string, amount int64) error
}

// Persister 在一个事务里落支付单状态并登记对应的出站事件。
type Persister interface {
	SavePayment(ctx context.Context, payment *domain.Payment) error
	MarkRefunded(ctx context.Context, paymentID string) error
	FindPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
}
