// internal/pkg/mq/mq.go
package mq

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// 跨服务传递的消息头约定。事件元数据走 header，payload 保持纯净。
const (
	HeaderEventType     = "eventType"
	HeaderEventVersion  = "eventVersion"
	HeaderOutboxEventID = "outboxEventId"
	HeaderCorrelationID = "correlationId"

	// 死信消息携带的上下文，供 DLT 消费端定位问题
	HeaderOriginalTopic    = "originalTopic"
	HeaderFailureReason    = "failureReason"
	HeaderFailureTimestamp = "failureTimestamp"
)

// NewWriter 创建一个不绑定 Topic 的 Writer，Topic 由每条消息自己决定。
// outbox poller 需要向多个主题（含 .dlq）投递，共用一个 Writer 即可。
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{}, // 按 key 分区，保证同一聚合的事件落在同一分区
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// NewReader 创建一个消费组 Reader。
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// KafkaHeaderCarrier 让 kafka 消息头适配 OTel 的 TextMapCarrier，
// 以便在生产/消费两端注入和提取追踪上下文。
type KafkaHeaderCarrier []kafka.Header

func (c *KafkaHeaderCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *KafkaHeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *KafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

// ProduceMessage 发送一条消息，并把当前追踪上下文注入消息头。
func ProduceMessage(ctx context.Context, writer *kafka.Writer, topic string, key, value []byte, headers map[string]string) error {
	carrier := KafkaHeaderCarrier{}
	for k, v := range headers {
		carrier.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	return writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: carrier,
	})
}

// Producer 是对 Writer 的薄封装，实现 outbox 等包所需的生产者接口。
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(writer *kafka.Writer) *Producer {
	return &Producer{writer: writer}
}

func (p *Producer) Send(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	return ProduceMessage(ctx, p.writer, topic, key, value, headers)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
