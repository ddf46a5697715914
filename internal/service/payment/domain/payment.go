package domain

import (
	"errors"
	"time"
)

var (
	// ErrPaymentDeclined 支付被渠道拒绝（余额不足、风控拦截）。永久错误。
	ErrPaymentDeclined = errors.New("payment: declined")
	// ErrPaymentNotFound 支付单不存在。
	ErrPaymentNotFound = errors.New("payment: not found")
)

type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Payment 一笔支付单。
type Payment struct {
	ID        string
	OrderID   string
	UserID    string
	Amount    int64
	Status    Status
	CreatedAt time.Time
}

// ProcessedEvent 支付完成后发往 payment-events 主题的事件。
type ProcessedEvent struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	UserID    string `json:"userId"`
	Amount    int64  `json:"amount"`
	Status    Status `json:"status"`
}

func (ProcessedEvent) EventType() string    { return "PaymentProcessed" }
func (ProcessedEvent) EventVersion() string { return "v1" }

// RefundedEvent 退款完成后发往 payment-events 主题的事件。
type RefundedEvent struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
}

func (RefundedEvent) EventType() string    { return "PaymentRefunded" }
func (RefundedEvent) EventVersion() string { return "v1" }
