package infrastructure

import (
	"context"
	"fmt"
	"time"

	"mercury/internal/pkg/logger"
	"mercury/internal/resilience"
	"mercury/internal/service/payment/domain"
)

// SandboxGateway 沙箱支付渠道：模拟一个外部收单机构。
// 超过单笔限额的扣款会被拒绝，其余请求在一个小的模拟延迟后成功。
// 接真实渠道时只需另写一个 port.Gateway 实现替换掉它。
type SandboxGateway struct {
	latency     time.Duration
	chargeLimit int64
}

func NewSandboxGateway(latency time.Duration, chargeLimit int64) *SandboxGateway {
	if chargeLimit <= 0 {
		chargeLimit = 1_000_000
	}
	return &SandboxGateway{latency: latency, chargeLimit: chargeLimit}
}

func (g *SandboxGateway) Charge(ctx context.Context, payment *domain.Payment) error {
	if err := g.simulateLatency(ctx); err != nil {
		return resilience.Transient(err)
	}
	if payment.Amount > g.chargeLimit {
		return resilience.Permanent(fmt.Errorf("%w: amount %d exceeds limit %d",
			domain.ErrPaymentDeclined, payment.Amount, g.chargeLimit))
	}
	logger.Ctx(ctx).Info().
		Str("payment_id", payment.ID).
		Str("order_id", payment.OrderID).
		Int64("amount", payment.Amount).
		Msg("sandbox gateway approved charge")
	return nil
}

func (g *SandboxGateway) Refund(ctx context.Context, paymentID string, amount int64) error {
	if err := g.simulateLatency(ctx); err != nil {
		return resilience.Transient(err)
	}
	logger.Ctx(ctx).Info().
		Str("payment_id", paymentID).
		Int64("amount", amount).
		Msg("sandbox gateway approved refund")
	return nil
}

func (g *SandboxGateway) simulateLatency(ctx context.Context) error {
	if g.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(g.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
