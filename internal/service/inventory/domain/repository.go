package domain

import "context"

// Repository 库存台账的存储抽象。
type Repository interface {
	// FindByProductID 不存在时返回 ErrProductNotFound。
	FindByProductID(ctx context.Context, productID string) (*Inventory, error)
	Save(ctx context.Context, inventory *Inventory) error
	// Create 初始化一条台账，商品已存在时报错。
	Create(ctx context.Context, inventory *Inventory) error
}
