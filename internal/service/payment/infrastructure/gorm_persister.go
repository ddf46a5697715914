package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mercury/internal/outbox"
	"mercury/internal/service/payment/domain"
)

// PaymentModel 对应数据库中的 payments 表
type PaymentModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	OrderID   string `gorm:"size:64;index"`
	UserID    string `gorm:"size:64;index"`
	Amount    int64
	Status    string `gorm:"size:16"`
	CreatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (PaymentModel) TableName() string {
	return "payments"
}

// GormPersister 在同一个事务里写支付单和 PaymentProcessed 出站事件。
// 事务提交即保证事件最终会被 poller 投递；回滚则两者一起消失。
type GormPersister struct {
	db        *gorm.DB
	publisher *outbox.Publisher
}

func NewGormPersister(db *gorm.DB, publisher *outbox.Publisher) *GormPersister {
	return &GormPersister{db: db, publisher: publisher}
}

func (p *GormPersister) SavePayment(ctx context.Context, payment *domain.Payment) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := &PaymentModel{
			ID:        payment.ID,
			OrderID:   payment.OrderID,
			UserID:    payment.UserID,
			Amount:    payment.Amount,
			Status:    string(payment.Status),
			CreatedAt: payment.CreatedAt,
		}
		if err := tx.Create(model).Error; err != nil {
			return err
		}

		event := domain.ProcessedEvent{
			PaymentID: payment.ID,
			OrderID:   payment.OrderID,
			UserID:    payment.UserID,
			Amount:    payment.Amount,
			Status:    payment.Status,
		}
		return p.publisher.Publish(ctx, tx, "Payment", payment.ID,
			event.EventType(), event.EventVersion(), event, nil)
	})
}

func (p *GormPersister) FindPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	var model PaymentModel
	err := p.db.WithContext(ctx).Where("id = ?", paymentID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, paymentID)
		}
		return nil, err
	}
	return &domain.Payment{
		ID:        model.ID,
		OrderID:   model.OrderID,
		UserID:    model.UserID,
		Amount:    model.Amount,
		Status:    domain.Status(model.Status),
		CreatedAt: model.CreatedAt,
	}, nil
}

func (p *GormPersister) MarkRefunded(ctx context.Context, paymentID string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PaymentModel
		if err := tx.Where("id = ?", paymentID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, paymentID)
			}
			return err
		}
		if err := tx.Model(&PaymentModel{}).
			Where("id = ?", paymentID).
			Update("status", string(domain.StatusRefunded)).Error; err != nil {
			return err
		}

		event := domain.RefundedEvent{
			PaymentID: model.ID,
			OrderID:   model.OrderID,
			Amount:    model.Amount,
		}
		return p.publisher.Publish(ctx, tx, "Payment", model.ID,
			event.EventType(), event.EventVersion(), event, nil)
	})
}
