// internal/outbox/repository.go
package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Repository outbox 行的存储抽象。
type Repository interface {
	// FetchUnprocessed 按写入时间升序返回至多 limit 条未处理事件。
	FetchUnprocessed(ctx context.Context, limit int) ([]*Event, error)
	// Update 回写单条事件的处理状态。
	Update(ctx context.Context, event *Event) error
	// DeleteProcessedBefore 删除指定时间之前已处理的事件，返回删除行数。
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// FindStaleUnprocessed 返回写入时间早于 cutoff 仍未处理的事件。
	FindStaleUnprocessed(ctx context.Context, cutoff time.Time) ([]*Event, error)
	// CountUnprocessed 当前积压的未处理事件数。
	CountUnprocessed(ctx context.Context) (int64, error)
}

// GormRepository 是 Repository 的 GORM 实现
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) FetchUnprocessed(ctx context.Context, limit int) ([]*Event, error) {
	var events []*Event
	err := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("created_at asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "outbox: fetch unprocessed")
	}
	return events, nil
}

func (r *GormRepository) Update(ctx context.Context, event *Event) error {
	return errors.Wrap(r.db.WithContext(ctx).Save(event).Error, "outbox: update event")
}

func (r *GormRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("processed = ? AND processed_at < ?", true, cutoff).
		Delete(&Event{})
	return result.RowsAffected, errors.Wrap(result.Error, "outbox: delete processed")
}

func (r *GormRepository) FindStaleUnprocessed(ctx context.Context, cutoff time.Time) ([]*Event, error) {
	var events []*Event
	err := r.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", false, cutoff).
		Order("created_at asc").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "outbox: find stale unprocessed")
	}
	return events, nil
}

func (r *GormRepository) CountUnprocessed(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Event{}).
		Where("processed = ?", false).
		Count(&count).Error
	return count, errors.Wrap(err, "outbox: count unprocessed")
}

// MemoryRepository 内存版 Repository，用于测试和本地开发。
type MemoryRepository struct {
	mu     sync.Mutex
	events map[string]*Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string]*Event)}
}

// Add 直接写入一条事件（测试用，生产路径走 Publisher）。
func (r *MemoryRepository) Add(event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *event
	r.events[event.ID] = &stored
}

// Get 按 ID 取事件快照。
func (r *MemoryRepository) Get(id string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event, ok := r.events[id]; ok {
		snapshot := *event
		return &snapshot
	}
	return nil
}

func (r *MemoryRepository) FetchUnprocessed(ctx context.Context, limit int) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []*Event
	for _, event := range r.events {
		if !event.Processed {
			snapshot := *event
			events = append(events, &snapshot)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *MemoryRepository) Update(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *event
	r.events[event.ID] = &stored
	return nil
}

func (r *MemoryRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, event := range r.events {
		if event.Processed && event.ProcessedAt != nil && event.ProcessedAt.Before(cutoff) {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemoryRepository) FindStaleUnprocessed(ctx context.Context, cutoff time.Time) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []*Event
	for _, event := range r.events {
		if !event.Processed && event.CreatedAt.Before(cutoff) {
			snapshot := *event
			events = append(events, &snapshot)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (r *MemoryRepository) CountUnprocessed(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, event := range r.events {
		if !event.Processed {
			count++
		}
	}
	return count, nil
}
