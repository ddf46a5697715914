// internal/eventstore/event.go
package eventstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event 领域事件。实现方必须是可 JSON 序列化的纯数据结构。
type Event interface {
	// EventType 事件类型名，如 "OrderCreated"
	EventType() string
	// EventVersion 事件 schema 版本，如 "v1"
	EventVersion() string
}

// Registry 事件类型注册表：把存储里的类型名还原成具体的事件结构。
// 必须在服务启动时把所有事件类型注册进来，否则回放会失败。
type Registry struct {
	factories map[string]func() Event
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Event)}
}

// Register 登记一种事件类型。factory 每次返回一个新的零值实例。
func (r *Registry) Register(eventType string, factory func() Event) {
	r.factories[eventType] = factory
}

// Rehydrate 把存储的 payload 反序列化成对应类型的事件。
func (r *Registry) Rehydrate(eventType string, payload []byte) (Event, error) {
	factory, ok := r.factories[eventType]
	if !ok {
		return nil, fmt.Errorf("eventstore: unregistered event type %q", eventType)
	}
	event := factory()
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("eventstore: failed to unmarshal %s payload: %w", eventType, err)
	}
	return event, nil
}

// Record 对应数据库中的 domain_events 表，一行一个事件，只插入不修改。
// uk_aggregate_seq 联合唯一索引是乐观并发控制的根基：两个写入者
// 给同一个聚合分配同一个序号时，后提交的会被数据库拒绝。
// EventID 是写入方分配的全局事件标识，跨表引用事件时不依赖自增主键。
type Record struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	EventID        string `gorm:"size:36;uniqueIndex"`
	AggregateID    string `gorm:"size:64;uniqueIndex:uk_aggregate_seq,priority:1"`
	AggregateType  string `gorm:"size:64;uniqueIndex:uk_aggregate_seq,priority:2"`
	SequenceNumber int64  `gorm:"uniqueIndex:uk_aggregate_seq,priority:3"`
	EventType      string `gorm:"size:128"`
	EventVersion   string `gorm:"size:16"`
	Payload        string `gorm:"type:json"`
	Metadata       string `gorm:"type:json"`
	CorrelationID  string `gorm:"size:64;index"`
	CreatedAt      time.Time
}

// TableName 指定 GORM 应该使用的表名
func (Record) TableName() string {
	return "domain_events"
}
