package eventstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type depositRecorded struct {
	Amount int64 `json:"amount"`
}

func (depositRecorded) EventType() string    { return "DepositRecorded" }
func (depositRecorded) EventVersion() string { return "v1" }

type withdrawalRecorded struct {
	Amount int64 `json:"amount"`
}

func (withdrawalRecorded) EventType() string    { return "WithdrawalRecorded" }
func (withdrawalRecorded) EventVersion() string { return "v1" }

// account 测试用聚合：余额由存取款事件推演而来。
type account struct {
	root    Root
	Balance int64 `json:"balance"`
}

func newAccount(id string) *account {
	a := &account{}
	a.root.Init(id)
	a.root.On("DepositRecorded", func(e Event) {
		a.Balance += e.(*depositRecorded).Amount
	})
	a.root.On("WithdrawalRecorded", func(e Event) {
		a.Balance -= e.(*withdrawalRecorded).Amount
	})
	return a
}

func (a *account) Root() *Root           { return &a.root }
func (a *account) AggregateType() string { return "Account" }

func (a *account) Snapshot() ([]byte, error) {
	return json.Marshal(a)
}

func (a *account) RestoreSnapshot(payload []byte) error {
	return json.Unmarshal(payload, a)
}

func testRegistry() *Registry {
	registry := NewRegistry()
	registry.Register("DepositRecorded", func() Event { return &depositRecorded{} })
	registry.Register("WithdrawalRecorded", func() Event { return &withdrawalRecorded{} })
	return registry
}

func TestAppendAssignsGaplessSequenceFromZero(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	store := NewStore(repo, testRegistry())

	a := newAccount("acc-1")
	a.root.Apply(&depositRecorded{Amount: 100})
	a.root.Apply(&depositRecorded{Amount: 50})
	require.NoError(t, store.Append(ctx, a))
	assert.Equal(t, int64(1), a.Root().Version())
	assert.Empty(t, a.Root().Uncommitted())

	a.root.Apply(&withdrawalRecorded{Amount: 30})
	require.NoError(t, store.Append(ctx, a))
	assert.Equal(t, int64(2), a.Root().Version())

	records, err := repo.Fetch(ctx, "acc-1", "Account")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, record := range records {
		assert.Equal(t, int64(i), record.SequenceNumber, "sequence must be gapless from 0")
	}
	assert.Equal(t, "DepositRecorded", records[0].EventType)
	assert.Equal(t, "WithdrawalRecorded", records[2].EventType)
}

func TestAppendStampsEventIDAndMetadata(t *testing.T) {
	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	repo := NewMemoryRepository()
	store := NewStore(repo, testRegistry())

	a := newAccount("acc-8")
	a.root.Apply(&depositRecorded{Amount: 100})
	a.root.Apply(&withdrawalRecorded{Amount: 40})
	require.NoError(t, store.Append(ctx, a))
	require.NoError(t, store.SaveSnapshot(ctx, a))

	records, err := repo.Fetch(ctx, "acc-8", "Account")
	require.NoError(t, err)
	require.Len(t, records, 3)

	seen := make(map[string]bool)
	for _, record := range records {
		require.NotEmpty(t, record.EventID, "every record carries its own event id")
		assert.False(t, seen[record.EventID], "event ids must be distinct")
		seen[record.EventID] = true

		var metadata map[string]string
		require.NoError(t, json.Unmarshal([]byte(record.Metadata), &metadata))
		assert.Equal(t, traceID.String(), metadata["correlationId"])
		assert.Equal(t, traceID.String(), record.CorrelationID)
	}
}

func TestLoadReplaysDeterministically(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	store := NewStore(repo, testRegistry())

	a := newAccount("acc-2")
	a.root.Apply(&depositRecorded{Amount: 200})
	a.root.Apply(&withdrawalRecorded{Amount: 75})
	a.root.Apply(&depositRecorded{Amount: 25})
	require.NoError(t, store.Append(ctx, a))

	factory := func(id string) Aggregate { return newAccount(id) }
	for i := 0; i < 2; i++ {
		loaded, err := store.Load(ctx, "acc-2", factory)
		require.NoError(t, err)
		assert.Equal(t, int64(150), loaded.(*account).Balance)
		assert.Equal(t, int64(2), loaded.Root().Version())
		assert.Empty(t, loaded.Root().Uncommitted(), "replayed events must not be re-persisted")
	}
}

func TestLoadUnknownAggregate(t *testing.T) {
	store := NewStore(NewMemoryRepository(), testRegistry())
	_, err := store.Load(context.Background(), "nope", func(id string) Aggregate { return newAccount(id) })
	assert.ErrorIs(t, err, ErrAggregateNotFound)
}

func TestLoadFailsOnUnregisteredEventType(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, []*Record{{
		AggregateID:    "acc-3",
		AggregateType:  "Account",
		SequenceNumber: 0,
		EventType:      "LegacyImported",
		Payload:        "{}",
	}}))

	store := NewStore(repo, testRegistry())
	_, err := store.Load(ctx, "acc-3", func(id string) Aggregate { return newAccount(id) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered event type")
}

// conflictOnceRepository 第一次 Insert 人为制造一次序号冲突。
type conflictOnceRepository struct {
	Repository
	fired bool
}

func (r *conflictOnceRepository) Insert(ctx context.Context, records []*Record) error {
	if !r.fired {
		r.fired = true
		return ErrSequenceConflict
	}
	return r.Repository.Insert(ctx, records)
}

func TestAppendRetriesOnSequenceConflict(t *testing.T) {
	ctx := context.Background()
	repo := &conflictOnceRepository{Repository: NewMemoryRepository()}
	store := NewStore(repo, testRegistry())

	a := newAccount("acc-4")
	a.root.Apply(&depositRecorded{Amount: 10})
	require.NoError(t, store.Append(ctx, a), "a single conflict is absorbed by re-reading max sequence")
	assert.Equal(t, int64(0), a.Root().Version())
}

type alwaysConflictRepository struct{ Repository }

func (r *alwaysConflictRepository) Insert(ctx context.Context, records []*Record) error {
	return ErrSequenceConflict
}

func TestAppendGivesUpAfterRepeatedConflicts(t *testing.T) {
	store := NewStore(&alwaysConflictRepository{Repository: NewMemoryRepository()}, testRegistry())

	a := newAccount("acc-5")
	a.root.Apply(&depositRecorded{Amount: 10})
	err := store.Append(context.Background(), a)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequenceConflict)
	assert.NotEmpty(t, a.Root().Uncommitted(), "failed append must leave events uncommitted")
}

func TestSnapshotShortensReplay(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	store := NewStore(repo, testRegistry())

	a := newAccount("acc-6")
	a.root.Apply(&depositRecorded{Amount: 500})
	a.root.Apply(&withdrawalRecorded{Amount: 120})
	require.NoError(t, store.Append(ctx, a))
	require.NoError(t, store.SaveSnapshot(ctx, a))

	// 快照之后继续追加业务事件
	a.root.Apply(&depositRecorded{Amount: 20})
	require.NoError(t, store.Append(ctx, a))

	loaded, err := store.Load(ctx, "acc-6", func(id string) Aggregate { return newAccount(id) })
	require.NoError(t, err)
	assert.Equal(t, int64(400), loaded.(*account).Balance)
	assert.Equal(t, int64(3), loaded.Root().Version(), "snapshot shares the sequence space")
}

func TestSnapshotRejectsUncommittedEvents(t *testing.T) {
	store := NewStore(NewMemoryRepository(), testRegistry())
	a := newAccount("acc-7")
	a.root.Apply(&depositRecorded{Amount: 1})
	assert.Error(t, store.SaveSnapshot(context.Background(), a))
}
