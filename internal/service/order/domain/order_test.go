package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercury/internal/eventstore"
)

func newStore() *eventstore.Store {
	registry := eventstore.NewRegistry()
	RegisterEvents(registry)
	return eventstore.NewStore(eventstore.NewMemoryRepository(), registry)
}

func TestOrderLifecycleReplaysFromEvents(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	order := NewOrder("order-1")
	require.NoError(t, order.Create("user-1", "SKU-1", 2, 500))
	require.NoError(t, order.CompletePayment("pay-1"))
	require.NoError(t, store.Append(ctx, order))

	loaded, err := store.Load(ctx, "order-1", func(id string) eventstore.Aggregate {
		return NewOrder(id)
	})
	require.NoError(t, err)

	replayed := loaded.(*Order)
	assert.Equal(t, StatePaid, replayed.State)
	assert.Equal(t, "user-1", replayed.UserID)
	assert.Equal(t, "SKU-1", replayed.ProductID)
	assert.Equal(t, int64(2), replayed.Quantity)
	assert.Equal(t, "pay-1", replayed.PaymentID)
	assert.Equal(t, int64(1), replayed.Root().Version())

	// 继续在回放出的聚合上推进状态
	require.NoError(t, replayed.Cancel("user requested"))
	require.NoError(t, store.Append(ctx, replayed))

	reloaded, err := store.Load(ctx, "order-1", func(id string) eventstore.Aggregate {
		return NewOrder(id)
	})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, reloaded.(*Order).State)
}

func TestOrderStateTransitionsAreGuarded(t *testing.T) {
	order := NewOrder("order-1")

	// 未创建的订单不能支付或取消
	assert.ErrorIs(t, order.CompletePayment("pay-1"), ErrInvalidTransition)
	assert.ErrorIs(t, order.Cancel("x"), ErrInvalidTransition)

	assert.ErrorIs(t, order.Create("", "SKU-1", 1, 1), ErrEmptyOrder)
	assert.ErrorIs(t, order.Create("user-1", "SKU-1", 0, 1), ErrEmptyOrder)

	require.NoError(t, order.Create("user-1", "SKU-1", 1, 100))
	assert.ErrorIs(t, order.Create("user-1", "SKU-1", 1, 100), ErrInvalidTransition)

	require.NoError(t, order.CompletePayment("pay-1"))
	assert.ErrorIs(t, order.CompletePayment("pay-2"), ErrInvalidTransition)

	// 取消是幂等的
	require.NoError(t, order.Cancel("first"))
	require.NoError(t, order.Cancel("second"))
	assert.Equal(t, StateCancelled, order.State)
	assert.Len(t, order.Root().Uncommitted(), 3, "the second cancel does not emit another event")
}

func TestOrderSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	order := NewOrder("order-1")
	require.NoError(t, order.Create("user-1", "SKU-1", 2, 500))
	require.NoError(t, order.CompletePayment("pay-1"))
	require.NoError(t, store.Append(ctx, order))
	require.NoError(t, store.SaveSnapshot(ctx, order))

	require.NoError(t, order.Cancel("after snapshot"))
	require.NoError(t, store.Append(ctx, order))

	loaded, err := store.Load(ctx, "order-1", func(id string) eventstore.Aggregate {
		return NewOrder(id)
	})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, loaded.(*Order).State)
	assert.Equal(t, "pay-1", loaded.(*Order).PaymentID)
}
