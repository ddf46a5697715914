// internal/eventstore/memory.go
package eventstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository 内存版 Repository，用于测试和本地开发。
// 和 MySQL 实现一样靠 (aggregate_id, aggregate_type, sequence_number)
// 唯一性拒绝并发写入。
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string][]*Record
	nextID  uint64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string][]*Record)}
}

func memoryKey(aggregateID, aggregateType string) string {
	return aggregateType + "/" + aggregateID
}

func (r *MemoryRepository) MaxSequence(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxSeq := int64(-1)
	for _, record := range r.records[memoryKey(aggregateID, aggregateType)] {
		if record.SequenceNumber > maxSeq {
			maxSeq = record.SequenceNumber
		}
	}
	return maxSeq, nil
}

func (r *MemoryRepository) Insert(ctx context.Context, records []*Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 先整体查重，保证 all-or-nothing
	for _, record := range records {
		for _, existing := range r.records[memoryKey(record.AggregateID, record.AggregateType)] {
			if existing.SequenceNumber == record.SequenceNumber {
				return ErrSequenceConflict
			}
		}
	}
	for _, record := range records {
		r.nextID++
		stored := *record
		stored.ID = r.nextID
		key := memoryKey(record.AggregateID, record.AggregateType)
		r.records[key] = append(r.records[key], &stored)
	}
	return nil
}

func (r *MemoryRepository) Fetch(ctx context.Context, aggregateID, aggregateType string) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.records[memoryKey(aggregateID, aggregateType)]
	records := make([]*Record, len(stored))
	copy(records, stored)
	sort.Slice(records, func(i, j int) bool {
		return records[i].SequenceNumber < records[j].SequenceNumber
	})
	return records, nil
}
