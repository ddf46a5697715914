// internal/outbox/poller.go
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"mercury/internal/pkg/logger"
	"mercury/internal/pkg/metrics"
	"mercury/internal/pkg/mq"
)

// Producer 消息投递端，由 Kafka writer 实现。
type Producer interface {
	Send(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// PollerConfig Poller 的运行参数，零值字段取默认值。
type PollerConfig struct {
	// PollInterval 轮询间隔，默认 100ms
	PollInterval time.Duration
	// BatchSize 单次轮询最多搬运的事件数，默认 100
	BatchSize int
	// MaxRetries 投递重试上限，达到后转入死信主题，默认 3
	MaxRetries int
	// Retention 已处理事件的保留时长，默认 7 天
	Retention time.Duration
	// StaleAfter 未处理事件滞留多久算异常，默认 1 小时
	StaleAfter time.Duration
}

func (c *PollerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
}

// Poller 后台搬运器：把已提交的 outbox 行按写入顺序投递到 Kafka。
// 至少一次投递：投递成功但状态回写失败时，下一轮会重发，消费端必须幂等。
type Poller struct {
	repo     Repository
	producer Producer
	cfg      PollerConfig

	now func() time.Time
}

func NewPoller(repo Repository, producer Producer, cfg PollerConfig) *Poller {
	cfg.applyDefaults()
	return &Poller{
		repo:     repo,
		producer: producer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run 以固定间隔轮询，直到 ctx 结束。
func (p *Poller) Run(ctx context.Context) {
	logger.Ctx(ctx).Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Msg("✅ outbox poller started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 outbox poller stopped")
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("outbox poll failed")
			}
		}
	}
}

// Tick 执行一轮搬运。每条事件独立成功或失败，一条投递失败不阻塞同批其他事件。
func (p *Poller) Tick(ctx context.Context) error {
	events, err := p.repo.FetchUnprocessed(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.RetryCount >= p.cfg.MaxRetries {
			p.deadLetter(ctx, event)
			continue
		}
		p.relay(ctx, event)
	}
	return nil
}

func (p *Poller) relay(ctx context.Context, event *Event) {
	headers := map[string]string{
		mq.HeaderEventType:     event.EventType,
		mq.HeaderEventVersion:  event.EventVersion,
		mq.HeaderOutboxEventID: event.ID,
	}
	if corrID := p.correlationID(event); corrID != "" {
		headers[mq.HeaderCorrelationID] = corrID
	}

	err := p.producer.Send(ctx, event.Topic(), []byte(event.AggregateID), []byte(event.Payload), headers)
	if err != nil {
		event.RetryCount++
		event.ErrorMessage = err.Error()
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("event_id", event.ID).
			Str("topic", event.Topic()).
			Int("retry_count", event.RetryCount).
			Msg("outbox delivery failed")
		if updateErr := p.repo.Update(ctx, event); updateErr != nil {
			logger.Ctx(ctx).Error().Err(updateErr).Str("event_id", event.ID).Msg("failed to record delivery failure")
		}
		return
	}

	p.markProcessed(ctx, event)
	metrics.OutboxPublished.Inc()
}

// deadLetter 把重试耗尽的事件转入死信主题。死信投递本身失败时
// 不改动任何状态，事件留在未处理队列里等下一轮再试。
func (p *Poller) deadLetter(ctx context.Context, event *Event) {
	headers := map[string]string{
		mq.HeaderEventType:        event.EventType,
		mq.HeaderEventVersion:     event.EventVersion,
		mq.HeaderOutboxEventID:    event.ID,
		mq.HeaderOriginalTopic:    event.Topic(),
		mq.HeaderFailureReason:    event.ErrorMessage,
		mq.HeaderFailureTimestamp: p.now().UTC().Format(time.RFC3339),
	}
	if corrID := p.correlationID(event); corrID != "" {
		headers[mq.HeaderCorrelationID] = corrID
	}

	err := p.producer.Send(ctx, event.DeadLetterTopic(), []byte(event.AggregateID), []byte(event.Payload), headers)
	if err != nil {
		logger.Ctx(ctx).Error().
			Err(err).
			Str("event_id", event.ID).
			Str("dlq_topic", event.DeadLetterTopic()).
			Msg("🚨 dead-letter delivery failed, event stays unprocessed")
		return
	}

	p.markProcessed(ctx, event)
	metrics.OutboxDeadLettered.Inc()
	logger.Ctx(ctx).Error().
		Str("event_id", event.ID).
		Str("dlq_topic", event.DeadLetterTopic()).
		Str("failure_reason", event.ErrorMessage).
		Msg("🚨 outbox event moved to dead-letter topic")
}

func (p *Poller) markProcessed(ctx context.Context, event *Event) {
	now := p.now()
	event.Processed = true
	event.ProcessedAt = &now
	if err := p.repo.Update(ctx, event); err != nil {
		// 回写失败意味着下一轮重复投递，靠消费端幂等兜底
		logger.Ctx(ctx).Error().Err(err).Str("event_id", event.ID).Msg("failed to mark outbox event processed")
	}
}

func (p *Poller) correlationID(event *Event) string {
	if event.Metadata == "" {
		return ""
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(event.Metadata), &metadata); err != nil {
		return ""
	}
	return metadata["correlationId"]
}

// SweepProcessed 删除超过保留期的已处理事件。
func (p *Poller) SweepProcessed(ctx context.Context) error {
	cutoff := p.now().Add(-p.cfg.Retention)
	deleted, err := p.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logger.Ctx(ctx).Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("swept processed outbox events")
	}
	return nil
}

// CheckStale 上报积压指标，并对滞留超时的未处理事件告警。
func (p *Poller) CheckStale(ctx context.Context) error {
	backlog, err := p.repo.CountUnprocessed(ctx)
	if err != nil {
		return err
	}
	metrics.OutboxUnprocessed.Set(float64(backlog))

	stale, err := p.repo.FindStaleUnprocessed(ctx, p.now().Add(-p.cfg.StaleAfter))
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		logger.Ctx(ctx).Error().
			Int("stale_count", len(stale)).
			Str("oldest_event_id", stale[0].ID).
			Time("oldest_created_at", stale[0].CreatedAt).
			Msg("🚨 outbox events stuck unprocessed beyond threshold")
	}
	return nil
}

// RunMaintenance 周期执行保留期清理和滞留检查，直到 ctx 结束。
func (p *Poller) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.SweepProcessed(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("outbox retention sweep failed")
			}
			if err := p.CheckStale(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("outbox staleness check failed")
			}
		}
	}
}
