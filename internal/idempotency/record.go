// internal/idempotency/record.go
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Record 对应数据库中的 idempotent_requests 表：一把幂等键
// 绑定一份请求指纹和首次处理的响应（含状态码）。
type Record struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestType string `gorm:"size:64"`
	RequestHash string `gorm:"size:64"`
	Response    string `gorm:"type:text"`
	StatusCode  int
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

// TableName 指定 GORM 应该使用的表名
func (Record) TableName() string {
	return "idempotent_requests"
}

// Store 幂等记录的存储抽象。
type Store interface {
	// Find 按键查找，不存在时返回 (nil, nil)。
	Find(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, record *Record) error
	// DeleteExpiredBefore 删除过期时间早于 cutoff 的记录，返回删除行数。
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// GormStore 是 Store 的 GORM 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Find(ctx context.Context, key string) (*Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("`key` = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *GormStore) Save(ctx context.Context, record *Record) error {
	return s.db.WithContext(ctx).Save(record).Error
}

func (s *GormStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&Record{})
	return result.RowsAffected, result.Error
}

// MemoryStore 内存版 Store，用于测试和本地开发。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Find(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok {
		snapshot := *record
		return &snapshot, nil
	}
	return nil, nil
}

func (s *MemoryStore) Save(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *record
	s.records[record.Key] = &stored
	return nil
}

func (s *MemoryStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, record := range s.records {
		if record.ExpiresAt.Before(cutoff) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}
