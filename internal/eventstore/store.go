// internal/eventstore/store.go
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"mercury/internal/pkg/logger"
)

var (
	// ErrAggregateNotFound 聚合不存在（没有任何事件记录）。
	ErrAggregateNotFound = errors.New("eventstore: aggregate not found")
	// ErrSequenceConflict 序号被并发写入者抢占（数据库唯一键冲突）。
	ErrSequenceConflict = errors.New("eventstore: sequence conflict")
)

// snapshotEventType 快照标记事件：payload 是聚合的完整状态，
// 回放业务事件时会被跳过。
const snapshotEventType = "AggregateSnapshot"

// appendMaxRetries 序号冲突后重读 max 再插入的最大次数。
const appendMaxRetries = 3

// Repository 事件记录的存储抽象。
type Repository interface {
	// MaxSequence 返回聚合当前最大序号，没有记录时返回 -1。
	MaxSequence(ctx context.Context, aggregateID, aggregateType string) (int64, error)
	// Insert 原子插入一批记录；任何一条序号冲突返回 ErrSequenceConflict，且全部不落库。
	Insert(ctx context.Context, records []*Record) error
	// Fetch 按序号升序返回聚合的全部记录。
	Fetch(ctx context.Context, aggregateID, aggregateType string) ([]*Record, error)
}

// Snapshotter 支持快照的聚合。
type Snapshotter interface {
	Aggregate
	Snapshot() ([]byte, error)
	RestoreSnapshot(payload []byte) error
}

// Store 事件溯源存储：追加未提交事件、按历史回放聚合。
type Store struct {
	repo     Repository
	registry *Registry
}

func NewStore(repo Repository, registry *Registry) *Store {
	return &Store{repo: repo, registry: registry}
}

// Append 把聚合的未提交事件持久化为连续的序号段（max+1 起）。
// 唯一键冲突说明有并发写入者，重读 max 后重试，最多 appendMaxRetries 次。
func (s *Store) Append(ctx context.Context, agg Aggregate) error {
	events := agg.Root().Uncommitted()
	if len(events) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= appendMaxRetries; attempt++ {
		maxSeq, err := s.repo.MaxSequence(ctx, agg.Root().ID(), agg.AggregateType())
		if err != nil {
			return fmt.Errorf("eventstore: failed to read max sequence: %w", err)
		}

		records, err := s.buildRecords(ctx, agg, events, maxSeq+1)
		if err != nil {
			return err
		}

		err = s.repo.Insert(ctx, records)
		if err == nil {
			agg.Root().MarkCommitted(records[len(records)-1].SequenceNumber)
			return nil
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return fmt.Errorf("eventstore: failed to insert events: %w", err)
		}

		lastErr = err
		logger.Ctx(ctx).Warn().
			Str("aggregate_id", agg.Root().ID()).
			Str("aggregate_type", agg.AggregateType()).
			Int("attempt", attempt).
			Msg("sequence conflict on append, re-reading max sequence")
	}
	return fmt.Errorf("eventstore: append gave up after %d attempts: %w", appendMaxRetries, lastErr)
}

// Load 回放聚合的全部历史。factory 返回一个已登记好事件处理表的空聚合。
// 存在快照时从最后一个快照恢复，只回放其后的业务事件。
func (s *Store) Load(ctx context.Context, id string, factory func(id string) Aggregate) (Aggregate, error) {
	agg := factory(id)

	records, err := s.repo.Fetch(ctx, id, agg.AggregateType())
	if err != nil {
		return nil, fmt.Errorf("eventstore: failed to fetch events: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrAggregateNotFound, agg.AggregateType(), id)
	}

	start := 0
	if snapshotter, ok := agg.(Snapshotter); ok {
		for i := len(records) - 1; i >= 0; i-- {
			if records[i].EventType != snapshotEventType {
				continue
			}
			if err := snapshotter.RestoreSnapshot([]byte(records[i].Payload)); err != nil {
				return nil, fmt.Errorf("eventstore: failed to restore snapshot: %w", err)
			}
			agg.Root().version = records[i].SequenceNumber
			start = i + 1
			break
		}
	}

	for _, record := range records[start:] {
		if record.EventType == snapshotEventType {
			// 不支持快照的聚合直接跳过标记事件，只推进版本号
			agg.Root().version = record.SequenceNumber
			continue
		}
		event, err := s.registry.Rehydrate(record.EventType, []byte(record.Payload))
		if err != nil {
			return nil, err
		}
		if err := agg.Root().replay(event, record.SequenceNumber); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// SaveSnapshot 把聚合当前状态写成一条快照标记事件，加速后续加载。
// 快照和业务事件共用同一个序号空间。
func (s *Store) SaveSnapshot(ctx context.Context, agg Snapshotter) error {
	if len(agg.Root().Uncommitted()) > 0 {
		return errors.New("eventstore: cannot snapshot an aggregate with uncommitted events")
	}
	payload, err := agg.Snapshot()
	if err != nil {
		return fmt.Errorf("eventstore: failed to serialize snapshot: %w", err)
	}

	maxSeq, err := s.repo.MaxSequence(ctx, agg.Root().ID(), agg.AggregateType())
	if err != nil {
		return fmt.Errorf("eventstore: failed to read max sequence: %w", err)
	}

	corrID := correlationID(ctx)
	record := &Record{
		EventID:        uuid.NewString(),
		AggregateID:    agg.Root().ID(),
		AggregateType:  agg.AggregateType(),
		SequenceNumber: maxSeq + 1,
		EventType:      snapshotEventType,
		EventVersion:   "v1",
		Payload:        string(payload),
		Metadata:       buildMetadata(corrID),
		CorrelationID:  corrID,
		CreatedAt:      time.Now(),
	}
	if err := s.repo.Insert(ctx, []*Record{record}); err != nil {
		return fmt.Errorf("eventstore: failed to insert snapshot: %w", err)
	}
	agg.Root().version = record.SequenceNumber
	return nil
}

func (s *Store) buildRecords(ctx context.Context, agg Aggregate, events []Event, firstSeq int64) ([]*Record, error) {
	corrID := correlationID(ctx)
	metadata := buildMetadata(corrID)
	now := time.Now()

	records := make([]*Record, 0, len(events))
	for i, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("eventstore: failed to marshal %s: %w", event.EventType(), err)
		}
		records = append(records, &Record{
			EventID:        uuid.NewString(),
			AggregateID:    agg.Root().ID(),
			AggregateType:  agg.AggregateType(),
			SequenceNumber: firstSeq + int64(i),
			EventType:      event.EventType(),
			EventVersion:   event.EventVersion(),
			Payload:        string(payload),
			Metadata:       metadata,
			CorrelationID:  corrID,
			CreatedAt:      now,
		})
	}
	return records, nil
}

// correlationID 优先取当前 trace，把事件和触发它的请求链路关联起来。
func correlationID(ctx context.Context) string {
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		return span.TraceID().String()
	}
	return ""
}

// buildMetadata 事件元数据，和出站事件保持同一个 JSON 结构。
func buildMetadata(corrID string) string {
	if corrID == "" {
		return ""
	}
	metadata, err := json.Marshal(map[string]string{"correlationId": corrID})
	if err != nil {
		return ""
	}
	return string(metadata)
}
