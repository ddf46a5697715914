// internal/eventstore/gorm_repository.go
package eventstore

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

const mysqlDuplicateEntry = 1062

// GormRepository 是 Repository 的 GORM 实现
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository 创建一个新的 GORM 仓储实例
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// WithTx 返回绑定到指定事务的仓储副本，让事件追加能和业务写入同一个事务提交。
func (r *GormRepository) WithTx(tx *gorm.DB) *GormRepository {
	return &GormRepository{db: tx}
}

func (r *GormRepository) MaxSequence(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	var maxSeq *int64
	err := r.db.WithContext(ctx).
		Model(&Record{}).
		Where("aggregate_id = ? AND aggregate_type = ?", aggregateID, aggregateType).
		Select("MAX(sequence_number)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	if maxSeq == nil {
		return -1, nil
	}
	return *maxSeq, nil
}

func (r *GormRepository) Insert(ctx context.Context, records []*Record) error {
	err := r.db.WithContext(ctx).Create(&records).Error
	if err == nil {
		return nil
	}
	// MySQL 1062: 唯一键冲突，说明序号被并发写入者抢占
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return ErrSequenceConflict
	}
	return err
}

func (r *GormRepository) Fetch(ctx context.Context, aggregateID, aggregateType string) ([]*Record, error) {
	var records []*Record
	err := r.db.WithContext(ctx).
		Where("aggregate_id = ? AND aggregate_type = ?", aggregateID, aggregateType).
		Order("sequence_number asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
