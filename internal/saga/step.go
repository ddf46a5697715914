// internal/saga/step.go
package saga

import (
	"context"
	"time"
)

// StepStatus 步骤状态机：
// PENDING → IN_PROGRESS → COMPLETED
//                       ↘ FAILED
// COMPLETED → COMPENSATING → COMPENSATED / COMPENSATION_FAILED（补偿阶段）
// 没有补偿的步骤在回滚遍历时直接记为 COMPENSATED（空操作）。
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepInProgress         StepStatus = "IN_PROGRESS"
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// Action 步骤的正向操作或补偿操作。data 是 saga 实例级的共享上下文，
// 步骤之间靠它传递结果（必须保持可 JSON 序列化）。
type Action func(ctx context.Context, data map[string]any) error

const (
	defaultStepMaxRetries = 3
	defaultStepRetryDelay = time.Second
)

// Step 一个 saga 步骤：正向操作 + 可选补偿，带重试参数。
type Step struct {
	Name          string
	Status        StepStatus
	Attempts      int
	FailureReason string

	action       Action
	compensation Action
	maxRetries   int
	retryDelay   time.Duration
}

// NewStep 创建一个步骤，默认重试 3 次、基础退避 1s。
func NewStep(name string, action Action) *Step {
	return &Step{
		Name:       name,
		Status:     StepPending,
		action:     action,
		maxRetries: defaultStepMaxRetries,
		retryDelay: defaultStepRetryDelay,
	}
}

// WithCompensation 设置补偿操作。没有补偿的步骤在回滚时被跳过。
func (s *Step) WithCompensation(compensation Action) *Step {
	s.compensation = compensation
	return s
}

// WithMaxRetries 设置正向操作的重试次数（总尝试数 = maxRetries + 1）。
func (s *Step) WithMaxRetries(n int) *Step {
	s.maxRetries = n
	return s
}

// WithRetryDelay 设置退避基数，第 n 次重试前等待 base * 2^(n-1)。
func (s *Step) WithRetryDelay(d time.Duration) *Step {
	s.retryDelay = d
	return s
}

// HasCompensation 是否定义了补偿操作。
func (s *Step) HasCompensation() bool {
	return s.compensation != nil
}

// backoff 第 n 次重试前的等待时长（n 从 1 开始）。
func (s *Step) backoff(n int) time.Duration {
	d := s.retryDelay
	for i := 1; i < n; i++ {
		d *= 2
	}
	return d
}
