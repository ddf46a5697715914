// internal/outbox/publisher.go
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

func deriveTopic(aggregateType string) string {
	return strings.ToLower(aggregateType) + "-events"
}

// Publisher 在业务事务内登记待发布事件。只要业务事务提交，
// 事件就保证最终被投递；事务回滚时事件一并消失。
type Publisher struct{}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish 在 tx 所在事务中插入一条 outbox 行。payload 必须可 JSON 序列化。
func (p *Publisher) Publish(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID, eventType, eventVersion string, payload any, metadata map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: failed to marshal %s payload: %w", eventType, err)
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	if _, ok := metadata["correlationId"]; !ok {
		if span := trace.SpanContextFromContext(ctx); span.IsValid() {
			metadata["correlationId"] = span.TraceID().String()
		}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("outbox: failed to marshal metadata: %w", err)
	}

	event := &Event{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		EventVersion:  eventVersion,
		Payload:       string(body),
		Metadata:      string(meta),
		CreatedAt:     time.Now(),
	}
	if err := tx.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("outbox: failed to insert event: %w", err)
	}
	return nil
}
