package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercury/internal/resilience"
)

// recorder 记录 action/补偿的调用顺序。
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestOrchestrator(t *testing.T, store Store) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(store, 4)
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return o
}

func TestRunCompletesAllSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newTestOrchestrator(t, store)
	rec := &recorder{}

	o.RegisterSagaType("test", func() []*Step {
		return []*Step{
			NewStep("first", func(ctx context.Context, data map[string]any) error {
				rec.add("first")
				data["fromFirst"] = "value"
				return nil
			}),
			NewStep("second", func(ctx context.Context, data map[string]any) error {
				rec.add("second")
				// 步骤之间通过共享数据传递结果
				assert.Equal(t, "value", data["fromFirst"])
				return nil
			}),
		}
	})

	instance, err := o.Create(ctx, "test", map[string]any{"orderId": "order-1"})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, instance))

	assert.Equal(t, StatusCompleted, instance.Status)
	assert.Equal(t, []string{"first", "second"}, rec.all())
	for _, step := range instance.Steps {
		assert.Equal(t, StepCompleted, step.Status)
	}

	reloaded, err := store.FindByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, reloaded.Status)
}

func TestRunCompensatesInReverseOrderOnStepFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newTestOrchestrator(t, store)
	rec := &recorder{}

	o.RegisterSagaType("place-order", func() []*Step {
		return []*Step{
			NewStep("validate", func(ctx context.Context, data map[string]any) error {
				rec.add("validate")
				return nil
			}),
			NewStep("reserve-inventory", func(ctx context.Context, data map[string]any) error {
				rec.add("reserve-inventory")
				return nil
			}).WithCompensation(func(ctx context.Context, data map[string]any) error {
				rec.add("release-inventory")
				return nil
			}),
			NewStep("process-payment", func(ctx context.Context, data map[string]any) error {
				rec.add("process-payment")
				return errors.New("payment gateway unreachable")
			}).WithMaxRetries(3).WithRetryDelay(time.Millisecond),
			NewStep("create-order", func(ctx context.Context, data map[string]any) error {
				rec.add("create-order")
				return nil
			}).WithCompensation(func(ctx context.Context, data map[string]any) error {
				rec.add("cancel-order")
				return nil
			}),
			NewStep("notify", func(ctx context.Context, data map[string]any) error {
				rec.add("notify")
				return nil
			}),
		}
	})

	instance, err := o.Create(ctx, "place-order", nil)
	require.NoError(t, err)
	err = o.Run(ctx, instance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process-payment")

	// 支付共尝试 maxRetries+1 次；后续步骤从未执行；
	// 补偿只覆盖已完成且定义了补偿的步骤
	assert.Equal(t, []string{
		"validate", "reserve-inventory",
		"process-payment", "process-payment", "process-payment", "process-payment",
		"release-inventory",
	}, rec.all())

	assert.Equal(t, StatusCompensated, instance.Status)
	assert.Contains(t, instance.FailureReason, "process-payment")
	assert.Equal(t, 4, instance.Steps[2].Attempts)
	assert.Equal(t, StepFailed, instance.Steps[2].Status)
	assert.Equal(t, StepCompensated, instance.Steps[1].Status)
	assert.Equal(t, StepCompensated, instance.Steps[0].Status, "steps without compensation compensate as a no-op")
	assert.Equal(t, StepPending, instance.Steps[3].Status)
}

func TestRunStopsRetryingOnPermanentError(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, NewMemoryStore())

	var calls int
	o.RegisterSagaType("test", func() []*Step {
		return []*Step{
			NewStep("validate", func(ctx context.Context, data map[string]any) error {
				calls++
				return resilience.Permanent(errors.New("quantity must be positive"))
			}).WithMaxRetries(5),
		}
	})

	instance, err := o.Create(ctx, "test", nil)
	require.NoError(t, err)
	require.Error(t, o.Run(ctx, instance))
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
	assert.Equal(t, StatusCompensated, instance.Status)
}

func TestRunBackoffDoubles(t *testing.T) {
	ctx := context.Background()
	o := NewOrchestrator(NewMemoryStore(), 4)

	var delays []time.Duration
	o.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	o.RegisterSagaType("test", func() []*Step {
		return []*Step{
			NewStep("flaky", func(ctx context.Context, data map[string]any) error {
				return errors.New("still down")
			}).WithMaxRetries(3).WithRetryDelay(10 * time.Millisecond),
		}
	})

	instance, err := o.Create(ctx, "test", nil)
	require.NoError(t, err)
	require.Error(t, o.Run(ctx, instance))

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}, delays)
}

func TestCompensationFailureMarksSagaFailedButKeepsRollingBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newTestOrchestrator(t, store)
	rec := &recorder{}

	o.RegisterSagaType("test", func() []*Step {
		return []*Step{
			NewStep("a", func(ctx context.Context, data map[string]any) error { return nil }).
				WithCompensation(func(ctx context.Context, data map[string]any) error {
					rec.add("undo-a")
					return nil
				}),
			NewStep("b", func(ctx context.Context, data map[string]any) error { return nil }).
				WithCompensation(func(ctx context.Context, data map[string]any) error {
					rec.add("undo-b")
					return errors.New("undo endpoint gone")
				}),
			NewStep("c", func(ctx context.Context, data map[string]any) error {
				return errors.New("boom")
			}).WithMaxRetries(0),
		}
	})

	instance, err := o.Create(ctx, "test", nil)
	require.NoError(t, err)
	require.Error(t, o.Run(ctx, instance))

	// b 的补偿失败不中断 a 的补偿
	assert.Equal(t, []string{"undo-b", "undo-a"}, rec.all())
	assert.Equal(t, StatusFailed, instance.Status)
	assert.Equal(t, StepCompensationFailed, instance.Steps[1].Status)
	assert.Equal(t, StepCompensated, instance.Steps[0].Status)
}

func TestRetryStepRecoversFailedCompensation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newTestOrchestrator(t, store)

	var undoHealthy bool
	o.RegisterSagaType("test", func() []*Step {
		return []*Step{
			NewStep("reserve", func(ctx context.Context, data map[string]any) error { return nil }).
				WithCompensation(func(ctx context.Context, data map[string]any) error {
					if !undoHealthy {
						return errors.New("release endpoint down")
					}
					return nil
				}),
			NewStep("pay", func(ctx context.Context, data map[string]any) error {
				return errors.New("declined hard")
			}).WithMaxRetries(0),
		}
	})

	instance, err := o.Create(ctx, "test", nil)
	require.NoError(t, err)
	require.Error(t, o.Run(ctx, instance))
	require.Equal(t, StatusFailed, instance.Status)

	// 依赖没恢复时重试仍失败，状态不变
	require.Error(t, o.RetryStep(ctx, instance.ID, "reserve"))
	reloaded, err := store.FindByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, reloaded.Status)

	undoHealthy = true
	require.NoError(t, o.RetryStep(ctx, instance.ID, "reserve"))
	reloaded, err = store.FindByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, reloaded.Status)
}

func TestResumeCompensatesInterruptedInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := &recorder{}

	factory := func() []*Step {
		return []*Step{
			NewStep("reserve", func(ctx context.Context, data map[string]any) error { return nil }).
				WithCompensation(func(ctx context.Context, data map[string]any) error {
					rec.add("release")
					return nil
				}),
			NewStep("pay", func(ctx context.Context, data map[string]any) error { return nil }),
		}
	}

	// 模拟崩溃现场：第一步已完成，第二步执行中
	crashed := &Instance{
		ID:          "saga-crashed",
		SagaType:    "test",
		Status:      StatusInProgress,
		Steps:       factory(),
		Data:        map[string]any{},
		CurrentStep: 1,
		CreatedAt:   time.Now(),
	}
	crashed.Steps[0].Status = StepCompleted
	crashed.Steps[1].Status = StepInProgress
	require.NoError(t, store.Save(ctx, crashed))

	o := newTestOrchestrator(t, store)
	o.RegisterSagaType("test", factory)
	require.NoError(t, o.Resume(ctx))

	assert.Equal(t, []string{"release"}, rec.all())
	reloaded, err := store.FindByID(ctx, "saga-crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, reloaded.Status)
	assert.Equal(t, StepFailed, reloaded.Steps[1].Status)
	assert.Equal(t, "interrupted by restart", reloaded.Steps[1].FailureReason)
}

func TestCancelRollsBackCompletedSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newTestOrchestrator(t, store)
	rec := &recorder{}

	factory := func() []*Step {
		return []*Step{
			NewStep("reserve", func(ctx context.Context, data map[string]any) error { return nil }).
				WithCompensation(func(ctx context.Context, data map[string]any) error {
					rec.add("release")
					return nil
				}),
			NewStep("pay", func(ctx context.Context, data map[string]any) error { return nil }),
		}
	}
	o.RegisterSagaType("test", factory)

	// 第一步已完成的实例被取消：已完成的部分回滚
	instance := &Instance{
		ID:          "saga-cancel",
		SagaType:    "test",
		Status:      StatusStarted,
		Steps:       factory(),
		Data:        map[string]any{},
		CurrentStep: 1,
		CreatedAt:   time.Now(),
	}
	instance.Steps[0].Status = StepCompleted
	require.NoError(t, store.Save(ctx, instance))

	require.NoError(t, o.Cancel(ctx, "saga-cancel"))
	assert.Equal(t, []string{"release"}, rec.all())

	reloaded, err := store.FindByID(ctx, "saga-cancel")
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, reloaded.Status)
	assert.Equal(t, "cancelled by operator", reloaded.FailureReason)

	// 终态实例不能再取消
	assert.Error(t, o.Cancel(ctx, "saga-cancel"))
}

// statusSpyStore 记录每次落库时的实例状态和某个步骤的状态，
// 用来验证中间状态确实被持久化，而不是只在内存里一闪而过。
type statusSpyStore struct {
	Store
	mu               sync.Mutex
	instanceStatuses []Status
	stepStatuses     map[string][]StepStatus
}

func newStatusSpyStore(inner Store) *statusSpyStore {
	return &statusSpyStore{Store: inner, stepStatuses: make(map[string][]StepStatus)}
}

func (s *statusSpyStore) Save(ctx context.Context, instance *Instance) error {
	s.mu.Lock()
	s.instanceStatuses = append(s.instanceStatuses, instance.Status)
	for _, step := range instance.Steps {
		history := s.stepStatuses[step.Name]
		if len(history) == 0 || history[len(history)-1] != step.Status {
			s.stepStatuses[step.Name] = append(history, step.Status)
		}
	}
	s.mu.Unlock()
	return s.Store.Save(ctx, instance)
}

func TestStatusMachinePersistsIntermediateStates(t *testing.T) {
	ctx := context.Background()
	spy := newStatusSpyStore(NewMemoryStore())
	o := newTestOrchestrator(t, spy)

	o.RegisterSagaType("test", func() []*Step {
		return []*Step{
			NewStep("reserve", func(ctx context.Context, data map[string]any) error { return nil }).
				WithCompensation(func(ctx context.Context, data map[string]any) error { return nil }),
			NewStep("pay", func(ctx context.Context, data map[string]any) error {
				return resilience.Permanent(errors.New("declined"))
			}),
		}
	})

	instance, err := o.Create(ctx, "test", nil)
	require.NoError(t, err)
	require.Error(t, o.Run(ctx, instance))

	// 实例：STARTED → IN_PROGRESS → COMPENSATING → COMPENSATED，每个状态都落过库
	assert.Contains(t, spy.instanceStatuses, StatusStarted)
	assert.Contains(t, spy.instanceStatuses, StatusInProgress)
	assert.Contains(t, spy.instanceStatuses, StatusCompensating)
	assert.Equal(t, StatusCompensated, spy.instanceStatuses[len(spy.instanceStatuses)-1])

	// 步骤：PENDING → IN_PROGRESS → COMPLETED → COMPENSATING → COMPENSATED
	assert.Equal(t, []StepStatus{
		StepPending, StepInProgress, StepCompleted, StepCompensating, StepCompensated,
	}, spy.stepStatuses["reserve"])
	assert.Equal(t, []StepStatus{StepPending, StepInProgress, StepFailed}, spy.stepStatuses["pay"])
}

func TestCreateRejectsUnknownSagaType(t *testing.T) {
	o := newTestOrchestrator(t, NewMemoryStore())
	_, err := o.Create(context.Background(), "nope", nil)
	assert.Error(t, err)
}
