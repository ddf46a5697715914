// internal/saga/store.go
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInstanceNotFound 指定的 saga 实例不存在。
var ErrInstanceNotFound = errors.New("saga: instance not found")

// Store saga 实例的持久化抽象。每次状态变更都要 Save，
// 进程崩溃后 FindUnfinished 找回未完成的实例。
type Store interface {
	Save(ctx context.Context, instance *Instance) error
	FindByID(ctx context.Context, id string) (*Instance, error)
	FindUnfinished(ctx context.Context) ([]*Instance, error)
}

// stepState 步骤的可持久化部分。action/compensation 是代码，
// 恢复时由注册的步骤工厂重建。
type stepState struct {
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// InstanceRecord 对应数据库中的 saga_instances 表
type InstanceRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	SagaType      string `gorm:"size:64;index"`
	Status        string `gorm:"size:32;index"`
	Steps         string `gorm:"type:json"`
	Data          string `gorm:"type:json"`
	CurrentStep   int
	FailureReason string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName 指定 GORM 应该使用的表名
func (InstanceRecord) TableName() string {
	return "saga_instances"
}

func toRecord(instance *Instance) (*InstanceRecord, error) {
	states := make([]stepState, len(instance.Steps))
	for i, step := range instance.Steps {
		states[i] = stepState{
			Name:          step.Name,
			Status:        step.Status,
			Attempts:      step.Attempts,
			FailureReason: step.FailureReason,
		}
	}
	steps, err := json.Marshal(states)
	if err != nil {
		return nil, fmt.Errorf("saga: failed to marshal steps: %w", err)
	}
	data, err := json.Marshal(instance.Data)
	if err != nil {
		return nil, fmt.Errorf("saga: failed to marshal data: %w", err)
	}
	return &InstanceRecord{
		ID:            instance.ID,
		SagaType:      instance.SagaType,
		Status:        string(instance.Status),
		Steps:         string(steps),
		Data:          string(data),
		CurrentStep:   instance.CurrentStep,
		FailureReason: instance.FailureReason,
		CreatedAt:     instance.CreatedAt,
		UpdatedAt:     instance.UpdatedAt,
	}, nil
}

// toInstance 还原实例骨架。Steps 里只有状态，不含可执行的 action，
// 调度前必须用步骤工厂 rebind。
func toInstance(record *InstanceRecord) (*Instance, error) {
	var states []stepState
	if err := json.Unmarshal([]byte(record.Steps), &states); err != nil {
		return nil, fmt.Errorf("saga: failed to unmarshal steps for %s: %w", record.ID, err)
	}
	data := map[string]any{}
	if record.Data != "" {
		if err := json.Unmarshal([]byte(record.Data), &data); err != nil {
			return nil, fmt.Errorf("saga: failed to unmarshal data for %s: %w", record.ID, err)
		}
	}

	steps := make([]*Step, len(states))
	for i, state := range states {
		steps[i] = &Step{
			Name:          state.Name,
			Status:        state.Status,
			Attempts:      state.Attempts,
			FailureReason: state.FailureReason,
		}
	}
	return &Instance{
		ID:            record.ID,
		SagaType:      record.SagaType,
		Status:        Status(record.Status),
		Steps:         steps,
		Data:          data,
		CurrentStep:   record.CurrentStep,
		FailureReason: record.FailureReason,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}, nil
}

// GormStore 是 Store 的 GORM 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Save(ctx context.Context, instance *Instance) error {
	instance.UpdatedAt = time.Now()
	record, err := toRecord(instance)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(record).Error
}

func (s *GormStore) FindByID(ctx context.Context, id string) (*Instance, error) {
	var record InstanceRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return toInstance(&record)
}

func (s *GormStore) FindUnfinished(ctx context.Context) ([]*Instance, error) {
	var records []*InstanceRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(StatusStarted), string(StatusInProgress), string(StatusCompensating)}).
		Order("created_at asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	instances := make([]*Instance, 0, len(records))
	for _, record := range records {
		instance, err := toInstance(record)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// MemoryStore 内存版 Store，用于测试和本地开发。
// 持久化走和 GormStore 相同的序列化路径，action 同样不会保留。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*InstanceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*InstanceRecord)}
}

func (s *MemoryStore) Save(ctx context.Context, instance *Instance) error {
	instance.UpdatedAt = time.Now()
	record, err := toRecord(instance)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return toInstance(record)
}

func (s *MemoryStore) FindUnfinished(ctx context.Context) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*InstanceRecord
	for _, record := range s.records {
		if record.Status == string(StatusStarted) ||
			record.Status == string(StatusInProgress) ||
			record.Status == string(StatusCompensating) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	instances := make([]*Instance, 0, len(records))
	for _, record := range records {
		instance, err := toInstance(record)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
