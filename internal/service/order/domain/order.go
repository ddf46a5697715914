// internal/service/order/domain/order.go
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mercury/internal/eventstore"
)

type State string

const (
	StateCreated   State = "CREATED"
	StatePaid      State = "PAID"
	StateCancelled State = "CANCELLED"
)

var (
	// ErrInvalidTransition 当前状态不允许这次流转。
	ErrInvalidTransition = errors.New("order: invalid state transition")
	// ErrEmptyOrder 必填字段缺失。
	ErrEmptyOrder = errors.New("order: missing required fields")
	// ErrOrderNotFound 订单不存在（没有事件历史）。
	ErrOrderNotFound = errors.New("order: not found")
)

// Order 订单聚合。状态不直接赋值，全部由事件推演：
// 命令方法校验后 Apply 事件，处理表负责真正的状态变更，
// 回放历史时走同一张表，保证重建结果和当时一致。
type Order struct {
	root eventstore.Root

	UserID    string
	ProductID string
	Quantity  int64
	Amount    int64
	PaymentID string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder 返回一个登记好事件处理表的空聚合，供创建和回放共用。
func NewOrder(id string) *Order {
	o := &Order{}
	o.root.Init(id)
	o.root.On("OrderCreated", func(e eventstore.Event) {
		event := e.(*OrderCreated)
		o.UserID = event.UserID
		o.ProductID = event.ProductID
		o.Quantity = event.Quantity
		o.Amount = event.Amount
		o.State = StateCreated
		o.CreatedAt = event.OccurredAt
		o.UpdatedAt = event.OccurredAt
	})
	o.root.On("OrderPaymentCompleted", func(e eventstore.Event) {
		event := e.(*PaymentCompleted)
		o.PaymentID = event.PaymentID
		o.State = StatePaid
		o.UpdatedAt = event.OccurredAt
	})
	o.root.On("OrderCancelled", func(e eventstore.Event) {
		event := e.(*OrderCancelled)
		o.State = StateCancelled
		o.UpdatedAt = event.OccurredAt
	})
	return o
}

func (o *Order) Root() *eventstore.Root { return &o.root }
func (o *Order) AggregateType() string  { return "Order" }
func (o *Order) ID() string             { return o.root.ID() }

// Create 首个事件：建立订单。
func (o *Order) Create(userID, productID string, quantity, amount int64) error {
	if o.State != "" {
		return fmt.Errorf("%w: order %s already exists", ErrInvalidTransition, o.ID())
	}
	if userID == "" || productID == "" || quantity <= 0 || amount <= 0 {
		return ErrEmptyOrder
	}
	o.root.Apply(&OrderCreated{
		OrderID:    o.ID(),
		UserID:     userID,
		ProductID:  productID,
		Quantity:   quantity,
		Amount:     amount,
		OccurredAt: time.Now(),
	})
	return nil
}

// CompletePayment 记录支付完成。
func (o *Order) CompletePayment(paymentID string) error {
	if o.State != StateCreated {
		return fmt.Errorf("%w: cannot pay order in state %s", ErrInvalidTransition, o.State)
	}
	o.root.Apply(&PaymentCompleted{
		OrderID:    o.ID(),
		PaymentID:  paymentID,
		OccurredAt: time.Now(),
	})
	return nil
}

// Cancel 取消订单（补偿路径或用户主动取消）。
func (o *Order) Cancel(reason string) error {
	if o.State == StateCancelled {
		return nil // 取消是幂等的
	}
	if o.State == "" {
		return fmt.Errorf("%w: cannot cancel a nonexistent order", ErrInvalidTransition)
	}
	o.root.Apply(&OrderCancelled{
		OrderID:    o.ID(),
		Reason:     reason,
		OccurredAt: time.Now(),
	})
	return nil
}

// orderSnapshot 快照载荷。
type orderSnapshot struct {
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	Quantity  int64     `json:"quantity"`
	Amount    int64     `json:"amount"`
	PaymentID string    `json:"paymentId,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (o *Order) Snapshot() ([]byte, error) {
	return json.Marshal(orderSnapshot{
		UserID:    o.UserID,
		ProductID: o.ProductID,
		Quantity:  o.Quantity,
		Amount:    o.Amount,
		PaymentID: o.PaymentID,
		State:     o.State,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	})
}

func (o *Order) RestoreSnapshot(payload []byte) error {
	var snapshot orderSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return err
	}
	o.UserID = snapshot.UserID
	o.ProductID = snapshot.ProductID
	o.Quantity = snapshot.Quantity
	o.Amount = snapshot.Amount
	o.PaymentID = snapshot.PaymentID
	o.State = snapshot.State
	o.CreatedAt = snapshot.CreatedAt
	o.UpdatedAt = snapshot.UpdatedAt
	return nil
}
