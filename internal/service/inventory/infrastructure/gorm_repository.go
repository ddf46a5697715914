package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"mercury/internal/service/inventory/domain"
)

// InventoryModel 对应数据库中的 inventory 表
type InventoryModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ProductID string `gorm:"uniqueIndex;size:64"`
	Available int64
	Reserved  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (InventoryModel) TableName() string {
	return "inventory"
}

// GormRepository 是 domain.Repository 的 GORM 实现
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) FindByProductID(ctx context.Context, productID string) (*domain.Inventory, error) {
	var model InventoryModel
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
		}
		return nil, err
	}
	return &domain.Inventory{
		ProductID: model.ProductID,
		Available: model.Available,
		Reserved:  model.Reserved,
	}, nil
}

func (r *GormRepository) Save(ctx context.Context, inventory *domain.Inventory) error {
	return r.db.WithContext(ctx).
		Model(&InventoryModel{}).
		Where("product_id = ?", inventory.ProductID).
		Updates(map[string]interface{}{
			"available": inventory.Available,
			"reserved":  inventory.Reserved,
		}).Error
}

// Create 初始化一条台账记录，已存在时返回错误。
func (r *GormRepository) Create(ctx context.Context, inventory *domain.Inventory) error {
	return r.db.WithContext(ctx).Create(&InventoryModel{
		ProductID: inventory.ProductID,
		Available: inventory.Available,
		Reserved:  inventory.Reserved,
	}).Error
}

// MemoryRepository 内存版仓储，用于测试和本地开发。
type MemoryRepository struct {
	mu    sync.Mutex
	items map[string]*domain.Inventory
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*domain.Inventory)}
}

func (r *MemoryRepository) FindByProductID(ctx context.Context, productID string) (*domain.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	snapshot := *item
	return &snapshot, nil
}

func (r *MemoryRepository) Save(ctx context.Context, inventory *domain.Inventory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := *inventory
	r.items[inventory.ProductID] = &snapshot
	return nil
}

func (r *MemoryRepository) Create(ctx context.Context, inventory *domain.Inventory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[inventory.ProductID]; exists {
		return fmt.Errorf("inventory: product %s already initialized", inventory.ProductID)
	}
	snapshot := *inventory
	r.items[inventory.ProductID] = &snapshot
	return nil
}
