// internal/outbox/record.go
package outbox

import "time"

// Event 对应数据库中的 outbox_events 表：和业务数据同事务写入，
// 由后台 poller 异步搬运到 Kafka。
type Event struct {
	ID            string `gorm:"primaryKey;size:36"`
	AggregateType string `gorm:"size:64;index"`
	AggregateID   string `gorm:"size:64"`
	EventType     string `gorm:"size:128"`
	EventVersion  string `gorm:"size:16"`
	Payload       string `gorm:"type:json"`
	Metadata      string `gorm:"type:json"`
	Processed     bool   `gorm:"index:idx_processed_created,priority:1"`
	RetryCount    int
	ErrorMessage  string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index:idx_processed_created,priority:2"`
	ProcessedAt   *time.Time
}

// TableName 指定 GORM 应该使用的表名
func (Event) TableName() string {
	return "outbox_events"
}

// Topic 事件投递的主题：按聚合类型小写派生，如 Order -> order-events。
func (e *Event) Topic() string {
	return deriveTopic(e.AggregateType)
}

// DeadLetterTopic 对应的死信主题。
func (e *Event) DeadLetterTopic() string {
	return e.Topic() + ".dlq"
}
