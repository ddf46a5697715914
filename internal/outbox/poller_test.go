package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercury/internal/pkg/mq"
)

type sentMessage struct {
	Topic   string
	Key     string
	Value   string
	Headers map[string]string
}

type fakeProducer struct {
	mu         sync.Mutex
	sent       []sentMessage
	failTopics map[string]error
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{failTopics: make(map[string]error)}
}

func (p *fakeProducer) Send(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failTopics[topic]; ok && err != nil {
		return err
	}
	p.sent = append(p.sent, sentMessage{Topic: topic, Key: string(key), Value: string(value), Headers: headers})
	return nil
}

func (p *fakeProducer) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

func newEvent(id, aggregateID string, createdAt time.Time) *Event {
	return &Event{
		ID:            id,
		AggregateType: "Order",
		AggregateID:   aggregateID,
		EventType:     "OrderCreated",
		EventVersion:  "v1",
		Payload:       `{"orderId":"` + aggregateID + `"}`,
		Metadata:      `{"correlationId":"trace-1"}`,
		CreatedAt:     createdAt,
	}
}

func TestTickRelaysInCreationOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	producer := newFakeProducer()
	poller := NewPoller(repo, producer, PollerConfig{})

	base := time.Now().Add(-time.Minute)
	repo.Add(newEvent("ev-2", "order-2", base.Add(2*time.Second)))
	repo.Add(newEvent("ev-1", "order-1", base.Add(time.Second)))
	repo.Add(newEvent("ev-3", "order-3", base.Add(3*time.Second)))

	require.NoError(t, poller.Tick(ctx))

	sent := producer.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, []string{"order-1", "order-2", "order-3"},
		[]string{sent[0].Key, sent[1].Key, sent[2].Key}, "delivery follows created_at order")

	for _, msg := range sent {
		assert.Equal(t, "order-events", msg.Topic)
		assert.Equal(t, "OrderCreated", msg.Headers[mq.HeaderEventType])
		assert.Equal(t, "v1", msg.Headers[mq.HeaderEventVersion])
		assert.Equal(t, "trace-1", msg.Headers[mq.HeaderCorrelationID])
		assert.NotEmpty(t, msg.Headers[mq.HeaderOutboxEventID])
	}

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		stored := repo.Get(id)
		assert.True(t, stored.Processed)
		require.NotNil(t, stored.ProcessedAt)
	}
}

func TestTickRecordsFailureThenSucceeds(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	producer := newFakeProducer()
	poller := NewPoller(repo, producer, PollerConfig{MaxRetries: 3})

	repo.Add(newEvent("ev-1", "order-1", time.Now()))

	// 前两轮 broker 不可用
	producer.failTopics["order-events"] = errors.New("broker unreachable")
	require.NoError(t, poller.Tick(ctx))
	require.NoError(t, poller.Tick(ctx))

	stored := repo.Get("ev-1")
	assert.False(t, stored.Processed)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, "broker unreachable", stored.ErrorMessage)

	// broker 恢复后第三轮投递成功；retry_count 保留失败痕迹
	producer.failTopics = map[string]error{}
	require.NoError(t, poller.Tick(ctx))

	stored = repo.Get("ev-1")
	assert.True(t, stored.Processed)
	assert.Equal(t, 2, stored.RetryCount)
	require.Len(t, producer.messages(), 1)
}

func TestTickDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	producer := newFakeProducer()
	poller := NewPoller(repo, producer, PollerConfig{MaxRetries: 3})

	repo.Add(newEvent("ev-1", "order-1", time.Now()))
	producer.failTopics["order-events"] = errors.New("broker unreachable")

	for i := 0; i < 3; i++ {
		require.NoError(t, poller.Tick(ctx))
	}
	require.Equal(t, 3, repo.Get("ev-1").RetryCount)

	// 第四轮转入死信主题
	require.NoError(t, poller.Tick(ctx))

	sent := producer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "order-events.dlq", sent[0].Topic)
	assert.Equal(t, "order-1", sent[0].Key)
	assert.Equal(t, "order-events", sent[0].Headers[mq.HeaderOriginalTopic])
	assert.Equal(t, "broker unreachable", sent[0].Headers[mq.HeaderFailureReason])
	assert.NotEmpty(t, sent[0].Headers[mq.HeaderFailureTimestamp])

	stored := repo.Get("ev-1")
	assert.True(t, stored.Processed, "dead-lettered events leave the relay queue")
}

func TestDeadLetterFailureLeavesEventUnprocessed(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	producer := newFakeProducer()
	poller := NewPoller(repo, producer, PollerConfig{MaxRetries: 3})

	event := newEvent("ev-1", "order-1", time.Now())
	event.RetryCount = 3
	event.ErrorMessage = "broker unreachable"
	repo.Add(event)

	producer.failTopics["order-events.dlq"] = errors.New("dlq down too")
	require.NoError(t, poller.Tick(ctx))

	stored := repo.Get("ev-1")
	assert.False(t, stored.Processed, "a failed DLQ handoff must not lose the event")
	assert.Equal(t, 3, stored.RetryCount)

	// 死信主题恢复后事件最终被搬走
	producer.failTopics = map[string]error{}
	require.NoError(t, poller.Tick(ctx))
	assert.True(t, repo.Get("ev-1").Processed)
}

func TestSweepProcessedHonorsRetention(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	poller := NewPoller(repo, newFakeProducer(), PollerConfig{Retention: 7 * 24 * time.Hour})

	old := newEvent("ev-old", "order-1", time.Now().Add(-10*24*time.Hour))
	oldProcessedAt := time.Now().Add(-8 * 24 * time.Hour)
	old.Processed = true
	old.ProcessedAt = &oldProcessedAt
	repo.Add(old)

	recent := newEvent("ev-recent", "order-2", time.Now().Add(-time.Hour))
	recentProcessedAt := time.Now().Add(-30 * time.Minute)
	recent.Processed = true
	recent.ProcessedAt = &recentProcessedAt
	repo.Add(recent)

	pending := newEvent("ev-pending", "order-3", time.Now().Add(-10*24*time.Hour))
	repo.Add(pending)

	require.NoError(t, poller.SweepProcessed(ctx))

	assert.Nil(t, repo.Get("ev-old"))
	assert.NotNil(t, repo.Get("ev-recent"))
	assert.NotNil(t, repo.Get("ev-pending"), "unprocessed events are never swept")
}

func TestCheckStaleReportsBacklog(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	poller := NewPoller(repo, newFakeProducer(), PollerConfig{StaleAfter: time.Hour})

	repo.Add(newEvent("ev-stale", "order-1", time.Now().Add(-2*time.Hour)))
	repo.Add(newEvent("ev-fresh", "order-2", time.Now()))

	assert.NoError(t, poller.CheckStale(ctx))
}
