package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercury/internal/lock"
	"mercury/internal/resilience"
	"mercury/internal/saga"
	inventoryapp "mercury/internal/service/inventory/application"
	inventoryinfra "mercury/internal/service/inventory/infrastructure"
	"mercury/internal/service/order/domain"
	"mercury/internal/service/order/port"
)

type fakeInventory struct {
	mu        sync.Mutex
	reserved  int
	released  int
	confirmed int

	reserveErr error
}

func (f *fakeInventory) Reserve(ctx context.Context, productID string, quantity int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return f.reserveErr
	}
	f.reserved++
	return nil
}

func (f *fakeInventory) Release(ctx context.Context, productID string, quantity int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeInventory) Confirm(ctx context.Context, productID string, quantity int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed++
	return nil
}

type fakePayment struct {
	mu        sync.Mutex
	charges   []string // 每次扣款携带的幂等键
	refunds   []string // 每次退款的支付单号
	chargeErr error
}

func (f *fakePayment) Process(ctx context.Context, idempotencyKey, orderID, userID string, amount int64) (*port.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	f.charges = append(f.charges, idempotencyKey)
	return &port.PaymentResult{PaymentID: "pay-" + orderID, Status: "COMPLETED"}, nil
}

func (f *fakePayment) Refund(ctx context.Context, idempotencyKey, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, paymentID)
	return nil
}

type fakeNotifier struct {
	notified int
	err      error
}

func (f *fakeNotifier) OrderPlaced(ctx context.Context, order *domain.Order) error {
	if f.err != nil {
		return f.err
	}
	f.notified++
	return nil
}

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]*domain.Order)}
}

func (f *fakeOrderStore) Save(ctx context.Context, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order.Root().MarkCommitted(order.Root().Version() + int64(len(order.Root().Uncommitted())))
	f.orders[order.ID()] = order
	return nil
}

func (f *fakeOrderStore) Load(ctx context.Context, orderID string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return order, nil
}

type fixture struct {
	svc       *Service
	inventory *fakeInventory
	payment   *fakePayment
	notifier  *fakeNotifier
	orders    *fakeOrderStore
	sagas     saga.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		inventory: &fakeInventory{},
		payment:   &fakePayment{},
		notifier:  &fakeNotifier{},
		orders:    newFakeOrderStore(),
		sagas:     saga.NewMemoryStore(),
	}
	orchestrator := saga.NewOrchestrator(f.sagas, 4)
	f.svc = NewService(orchestrator, f.orders, f.inventory, f.payment, f.notifier)
	return f
}

func TestPlaceOrderHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "user-1", ProductID: "SKU-1", Quantity: 2, Amount: 500,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.OrderID)

	order, err := f.svc.Get(ctx, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaid, order.State)
	assert.Equal(t, "pay-"+result.OrderID, order.PaymentID)

	assert.Equal(t, 1, f.inventory.reserved)
	assert.Equal(t, 1, f.inventory.confirmed)
	assert.Equal(t, 0, f.inventory.released)
	require.Len(t, f.payment.charges, 1)
	assert.Equal(t, result.OrderID+"-payment", f.payment.charges[0], "the idempotency key is derived from the order")
	assert.Equal(t, 1, f.notifier.notified)

	instance, err := f.sagas.FindByID(ctx, result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, instance.Status)
}

func TestPlaceOrderPaymentDeclinedRollsBackInventory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.payment.chargeErr = resilience.Permanent(errors.New("card declined"))

	result, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "user-1", ProductID: "SKU-1", Quantity: 2, Amount: 500,
	})
	require.Error(t, err)
	// 对外只暴露统一的口径，不泄露内部失败细节
	assert.ErrorIs(t, err, ErrTryAgainLater)
	assert.Nil(t, result)

	assert.Equal(t, 1, f.inventory.reserved)
	assert.Equal(t, 1, f.inventory.released, "the reservation is compensated")
	assert.Empty(t, f.payment.refunds, "an uncharged payment is not refunded")
	assert.Equal(t, 0, f.notifier.notified)
	assert.Empty(t, f.orders.orders, "no order row survives a failed saga")
}

func TestPlaceOrderNotifyFailureUndoesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = resilience.Permanent(errors.New("notification topic gone"))

	_, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "user-1", ProductID: "SKU-1", Quantity: 1, Amount: 100,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTryAgainLater)

	// 逆序补偿：取消订单、退款、释放库存
	require.Len(t, f.orders.orders, 1)
	for _, order := range f.orders.orders {
		assert.Equal(t, domain.StateCancelled, order.State)
	}
	require.Len(t, f.payment.refunds, 1)
	assert.Equal(t, 1, f.inventory.released)
	assert.Equal(t, 0, f.inventory.confirmed, "stock is never consumed inside a saga that can still fail")
}

// newLedgerFixture 用真实的库存应用服务（内存台账 + 内存锁）替代计数桩，
// 验证 saga 失败后台账逐笔恢复，而不只是补偿被调用过。
func newLedgerFixture(t *testing.T, initial int64) (*Service, *inventoryapp.Service, *fakeNotifier) {
	t.Helper()
	ctx := context.Background()

	inventorySvc := inventoryapp.NewService(inventoryinfra.NewMemoryRepository(), lock.NewMemoryClient(), nil)
	require.NoError(t, inventorySvc.InitializeStock(ctx, "SKU-1", initial))

	notifier := &fakeNotifier{}
	orchestrator := saga.NewOrchestrator(saga.NewMemoryStore(), 4)
	svc := NewService(orchestrator, newFakeOrderStore(), inventorySvc, &fakePayment{}, notifier)
	return svc, inventorySvc, notifier
}

func TestPlaceOrderNotifyFailureRestoresLedger(t *testing.T) {
	ctx := context.Background()
	svc, inventorySvc, notifier := newLedgerFixture(t, 10)
	notifier.err = resilience.Permanent(errors.New("notification topic gone"))

	_, err := svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "user-1", ProductID: "SKU-1", Quantity: 5, Amount: 500,
	})
	require.Error(t, err)

	// 回滚后台账必须回到原点：预占全部退回可用，没有库存被消耗
	inv, err := inventorySvc.Status(ctx, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), inv.Available, "the full reservation returns to available stock")
	assert.Equal(t, int64(0), inv.Reserved)
}

func TestPlaceOrderConsumesLedgerOnlyAfterCompletion(t *testing.T) {
	ctx := context.Background()
	svc, inventorySvc, _ := newLedgerFixture(t, 10)

	_, err := svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "user-1", ProductID: "SKU-1", Quantity: 4, Amount: 400,
	})
	require.NoError(t, err)

	inv, err := inventorySvc.Status(ctx, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), inv.Available)
	assert.Equal(t, int64(0), inv.Reserved, "the reservation is consumed, not left hanging")
}

func TestPlaceOrderValidationFailsFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{UserID: "", ProductID: "SKU-1", Quantity: 1, Amount: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTryAgainLater)

	assert.Equal(t, 0, f.inventory.reserved, "nothing downstream is touched")
	assert.Empty(t, f.payment.charges)
}

func TestPlaceOrderInsufficientStockFailsWithoutPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.inventory.reserveErr = resilience.Permanent(errors.New("insufficient stock"))

	_, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "user-1", ProductID: "SKU-1", Quantity: 99, Amount: 100,
	})
	require.Error(t, err)
	assert.Empty(t, f.payment.charges)
	assert.Equal(t, 0, f.inventory.released, "a failed reserve leaves nothing to release")
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "user-1", ProductID: "SKU-1", Quantity: 1, Amount: 100,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, result.OrderID, "user requested"))
	order, err := f.svc.Get(ctx, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, order.State)

	assert.ErrorIs(t, f.svc.Cancel(ctx, "ghost", "x"), domain.ErrOrderNotFound)
}
