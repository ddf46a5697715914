// internal/saga/orchestrator.go
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"mercury/internal/pkg/logger"
	"mercury/internal/pkg/metrics"
	"mercury/internal/resilience"
)

// StepFactory 构造某种 saga 的步骤序列（含 action/补偿）。
// 恢复持久化实例时也靠它把代码重新绑回步骤状态。
type StepFactory func() []*Step

// Orchestrator 顺序执行 saga 步骤，失败时逆序补偿。
// 每个状态变更先落库再推进，进程崩溃后 Resume 接手未完成的实例。
type Orchestrator struct {
	store Store
	sem   *semaphore.Weighted

	// sleep 可注入，测试里替换掉真实退避等待
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	factories map[string]StepFactory
	active    map[string]struct{}
}

// NewOrchestrator 创建编排器。workers 限制并发执行的 saga 数，
// 保证 saga 执行不会挤占请求处理的资源。
func NewOrchestrator(store Store, workers int64) *Orchestrator {
	if workers <= 0 {
		workers = 16
	}
	return &Orchestrator{
		store:     store,
		sem:       semaphore.NewWeighted(workers),
		sleep:     sleepContext,
		factories: make(map[string]StepFactory),
		active:    make(map[string]struct{}),
	}
}

// RegisterSagaType 登记一种 saga 的步骤工厂。必须在 Resume 之前完成。
func (o *Orchestrator) RegisterSagaType(sagaType string, factory StepFactory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.factories[sagaType] = factory
}

// Create 创建并持久化一个新实例（STARTED），不开始执行。
func (o *Orchestrator) Create(ctx context.Context, sagaType string, data map[string]any) (*Instance, error) {
	o.mu.Lock()
	factory, ok := o.factories[sagaType]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("saga: unregistered saga type %q", sagaType)
	}
	if data == nil {
		data = map[string]any{}
	}

	now := time.Now()
	instance := &Instance{
		ID:        uuid.NewString(),
		SagaType:  sagaType,
		Status:    StatusStarted,
		Steps:     factory(),
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("saga: failed to persist new instance: %w", err)
	}
	return instance, nil
}

// Run 同步执行实例直到终态。全部步骤成功返回 nil；
// 任何步骤终败都会触发补偿，并返回失败原因。
func (o *Orchestrator) Run(ctx context.Context, instance *Instance) error {
	if err := o.markActive(instance.ID); err != nil {
		return err
	}
	defer o.unmarkActive(instance.ID)
	return o.run(ctx, instance)
}

// RunAsync 在有界工作池里异步执行，池满时阻塞等待空位。
func (o *Orchestrator) RunAsync(ctx context.Context, instance *Instance) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := o.markActive(instance.ID); err != nil {
		o.sem.Release(1)
		return err
	}
	go func() {
		defer o.sem.Release(1)
		defer o.unmarkActive(instance.ID)
		if err := o.run(ctx, instance); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("saga_id", instance.ID).Msg("async saga finished with failure")
		}
	}()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, instance *Instance) error {
	logger.Ctx(ctx).Info().
		Str("saga_id", instance.ID).
		Str("saga_type", instance.SagaType).
		Int("steps", len(instance.Steps)).
		Msg("saga started")

	instance.Status = StatusInProgress
	o.persist(ctx, instance)

	for instance.CurrentStep < len(instance.Steps) {
		step := instance.Steps[instance.CurrentStep]
		step.Status = StepInProgress
		o.persist(ctx, instance)

		if err := o.runStep(ctx, instance, step); err != nil {
			step.Status = StepFailed
			step.FailureReason = err.Error()
			instance.FailureReason = fmt.Sprintf("step %s: %v", step.Name, err)
			o.persist(ctx, instance)

			logger.Ctx(ctx).Warn().
				Err(err).
				Str("saga_id", instance.ID).
				Str("step", step.Name).
				Int("attempts", step.Attempts).
				Msg("saga step failed terminally, compensating")

			o.compensate(ctx, instance)
			metrics.SagaRuns.WithLabelValues(instance.SagaType, string(instance.Status)).Inc()
			return fmt.Errorf("saga %s failed at step %s: %w", instance.ID, step.Name, err)
		}

		step.Status = StepCompleted
		instance.CurrentStep++
		o.persist(ctx, instance)
	}

	instance.Status = StatusCompleted
	o.persist(ctx, instance)
	metrics.SagaRuns.WithLabelValues(instance.SagaType, string(instance.Status)).Inc()
	logger.Ctx(ctx).Info().Str("saga_id", instance.ID).Msg("✅ saga completed")
	return nil
}

// runStep 执行单个步骤的正向操作，瞬时错误按指数退避重试。
// 总尝试数 = maxRetries + 1，永久错误不重试。
func (o *Orchestrator) runStep(ctx context.Context, instance *Instance, step *Step) error {
	maxAttempts := step.maxRetries + 1
	var lastErr error
	for step.Attempts < maxAttempts {
		step.Attempts++
		lastErr = step.action(ctx, instance.Data)
		if lastErr == nil {
			return nil
		}
		if resilience.IsPermanent(lastErr) || step.Attempts >= maxAttempts {
			return lastErr
		}

		delay := step.backoff(step.Attempts)
		logger.Ctx(ctx).Warn().
			Err(lastErr).
			Str("saga_id", instance.ID).
			Str("step", step.Name).
			Int("attempt", step.Attempts).
			Dur("backoff", delay).
			Msg("saga step attempt failed, backing off")
		o.persist(ctx, instance)

		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// compensate 从失败步骤的前一个开始逆序回滚所有已完成的步骤。
// 补偿失败不重试也不中断回滚：剩余步骤继续补偿，实例最终标记
// FAILED 留给人工处理。
func (o *Orchestrator) compensate(ctx context.Context, instance *Instance) {
	instance.Status = StatusCompensating
	o.persist(ctx, instance)

	anyFailed := false
	for i := instance.CurrentStep - 1; i >= 0; i-- {
		step := instance.Steps[i]
		// COMPENSATING 是上次进程中断时没走完的补偿，重新执行
		if step.Status != StepCompleted && step.Status != StepCompensating {
			continue
		}
		if !step.HasCompensation() {
			// 没有补偿的步骤按空操作补偿处理
			step.Status = StepCompensated
			o.persist(ctx, instance)
			continue
		}
		step.Status = StepCompensating
		o.persist(ctx, instance)

		if err := step.compensation(ctx, instance.Data); err != nil {
			step.Status = StepCompensationFailed
			step.FailureReason = err.Error()
			anyFailed = true
			metrics.SagaCompensationFailures.WithLabelValues(instance.SagaType, step.Name).Inc()
			logger.Ctx(ctx).Error().
				Err(err).
				Str("saga_id", instance.ID).
				Str("step", step.Name).
				Msg("🚨 compensation failed, manual intervention required")
		} else {
			step.Status = StepCompensated
			logger.Ctx(ctx).Info().
				Str("saga_id", instance.ID).
				Str("step", step.Name).
				Msg("step compensated")
		}
		o.persist(ctx, instance)
	}

	if anyFailed {
		instance.Status = StatusFailed
	} else {
		instance.Status = StatusCompensated
	}
	o.persist(ctx, instance)
}

// Cancel 取消一个尚未被调度执行的实例并回滚已完成的步骤。
// 正在执行中的实例无法取消。
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if err := o.markActive(id); err != nil {
		return fmt.Errorf("saga: cannot cancel a running instance: %w", err)
	}
	defer o.unmarkActive(id)

	instance, err := o.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if instance.Status.IsTerminal() {
		return fmt.Errorf("saga: instance %s already terminal (%s)", id, instance.Status)
	}
	if err := o.rebind(instance); err != nil {
		return err
	}

	instance.FailureReason = "cancelled by operator"
	logger.Ctx(ctx).Info().Str("saga_id", id).Msg("🛑 saga cancelled, rolling back completed steps")
	o.compensate(ctx, instance)
	metrics.SagaRuns.WithLabelValues(instance.SagaType, string(instance.Status)).Inc()
	return nil
}

// RetryStep 人工重试一个 COMPENSATION_FAILED 步骤的补偿。
// 成功且不再有补偿失败的步骤时，实例从 FAILED 收敛到 COMPENSATED。
func (o *Orchestrator) RetryStep(ctx context.Context, id, stepName string) error {
	instance, err := o.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if instance.Status != StatusFailed {
		return fmt.Errorf("saga: instance %s is %s, only FAILED instances accept step retry", id, instance.Status)
	}
	if err := o.rebind(instance); err != nil {
		return err
	}

	var target *Step
	for _, step := range instance.Steps {
		if step.Name == stepName {
			target = step
			break
		}
	}
	if target == nil {
		return fmt.Errorf("saga: instance %s has no step %q", id, stepName)
	}
	if target.Status != StepCompensationFailed {
		return fmt.Errorf("saga: step %s is %s, only COMPENSATION_FAILED steps accept retry", stepName, target.Status)
	}

	if err := target.compensation(ctx, instance.Data); err != nil {
		target.FailureReason = err.Error()
		o.persist(ctx, instance)
		return fmt.Errorf("saga: compensation retry for step %s failed: %w", stepName, err)
	}

	target.Status = StepCompensated
	target.FailureReason = ""
	remaining := false
	for _, step := range instance.Steps {
		if step.Status == StepCompensationFailed {
			remaining = true
			break
		}
	}
	if !remaining {
		instance.Status = StatusCompensated
	}
	o.persist(ctx, instance)
	logger.Ctx(ctx).Info().Str("saga_id", id).Str("step", stepName).Msg("✅ compensation retry succeeded")
	return nil
}

// Resume 找回崩溃前未完成的实例。已完成步骤的副作用无法确认是否
// 还有后续，安全的选择是全部回滚而不是接着往前跑。
func (o *Orchestrator) Resume(ctx context.Context) error {
	instances, err := o.store.FindUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("saga: failed to scan unfinished instances: %w", err)
	}
	for _, instance := range instances {
		if err := o.markActive(instance.ID); err != nil {
			continue
		}
		if err := o.rebind(instance); err != nil {
			o.unmarkActive(instance.ID)
			logger.Ctx(ctx).Error().Err(err).Str("saga_id", instance.ID).Msg("cannot resume instance")
			continue
		}

		// 中断时在跑的步骤按失败处理：它不会被补偿，但也不再往前推进
		if instance.CurrentStep < len(instance.Steps) {
			step := instance.Steps[instance.CurrentStep]
			if step.Status == StepInProgress {
				step.Status = StepFailed
				step.FailureReason = "interrupted by restart"
			}
		}
		if instance.FailureReason == "" {
			instance.FailureReason = "interrupted by restart"
		}

		logger.Ctx(ctx).Warn().
			Str("saga_id", instance.ID).
			Str("saga_type", instance.SagaType).
			Str("status", string(instance.Status)).
			Msg("resuming unfinished saga, triggering compensation")
		o.compensate(ctx, instance)
		metrics.SagaRuns.WithLabelValues(instance.SagaType, string(instance.Status)).Inc()
		o.unmarkActive(instance.ID)
	}
	return nil
}

// rebind 把步骤工厂里的 action/补偿代码绑回持久化恢复的步骤状态。
func (o *Orchestrator) rebind(instance *Instance) error {
	o.mu.Lock()
	factory, ok := o.factories[instance.SagaType]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("saga: unregistered saga type %q", instance.SagaType)
	}

	fresh := factory()
	if len(fresh) != len(instance.Steps) {
		return fmt.Errorf("saga: step count mismatch for type %q: stored %d, factory %d",
			instance.SagaType, len(instance.Steps), len(fresh))
	}
	for i, step := range instance.Steps {
		if fresh[i].Name != step.Name {
			return fmt.Errorf("saga: step %d name mismatch for type %q: stored %q, factory %q",
				i, instance.SagaType, step.Name, fresh[i].Name)
		}
		step.action = fresh[i].action
		step.compensation = fresh[i].compensation
		step.maxRetries = fresh[i].maxRetries
		step.retryDelay = fresh[i].retryDelay
	}
	return nil
}

func (o *Orchestrator) markActive(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.active[id]; running {
		return fmt.Errorf("saga: instance %s is already running", id)
	}
	o.active[id] = struct{}{}
	return nil
}

func (o *Orchestrator) unmarkActive(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// persist 落库失败只告警不中断：执行状态仍在内存里推进，
// 代价是崩溃后 Resume 看到的是旧状态并触发保守回滚。
func (o *Orchestrator) persist(ctx context.Context, instance *Instance) {
	if err := o.store.Save(ctx, instance); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("saga_id", instance.ID).Msg("failed to persist saga state")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
