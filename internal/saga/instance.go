// internal/saga/instance.go
package saga

import "time"

// Status saga 实例状态机：
// STARTED → IN_PROGRESS → COMPLETED（全部步骤成功）
//                       → COMPENSATING → COMPENSATED（回滚干净）
//                                      → FAILED（存在 COMPENSATION_FAILED，需人工介入）
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal 终态实例不再被调度。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// Instance 一次 saga 执行。步骤严格顺序执行，每次状态变更都先落库再继续。
type Instance struct {
	ID            string
	SagaType      string
	Status        Status
	Steps         []*Step
	Data          map[string]any
	CurrentStep   int
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
