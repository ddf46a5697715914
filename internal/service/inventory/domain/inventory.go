package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock 可用库存不足，预占被拒绝。
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrProductNotFound 商品没有库存记录。
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrInvalidQuantity 数量必须为正数。
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
)

// Inventory 单个商品的库存台账。
// 不变量：Available >= 0 且 Reserved >= 0，任何操作之后都必须成立。
// 台账只能在持有该商品的命名锁时修改。
type Inventory struct {
	ProductID string
	Available int64
	Reserved  int64
}

// Reserve 把 quantity 件库存从可用转为预占。
func (i *Inventory) Reserve(quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if i.Available < quantity {
		return fmt.Errorf("%w: product %s has %d available, requested %d",
			ErrInsufficientStock, i.ProductID, i.Available, quantity)
	}
	i.Available -= quantity
	i.Reserved += quantity
	return nil
}

// Release 把预占退回可用（saga 补偿路径）。
// 实际回退量以当前预占为上限：重复补偿不会把台账冲成负数。
func (i *Inventory) Release(quantity int64) (int64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	moved := quantity
	if moved > i.Reserved {
		moved = i.Reserved
	}
	i.Reserved -= moved
	i.Available += moved
	return moved, nil
}

// Confirm 把预占转为已消耗（订单成交）。同样对当前预占封顶。
func (i *Inventory) Confirm(quantity int64) (int64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	moved := quantity
	if moved > i.Reserved {
		moved = i.Reserved
	}
	i.Reserved -= moved
	return moved, nil
}
