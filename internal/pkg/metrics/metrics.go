// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 核心链路的业务指标。指标命名遵循 prometheus 惯例：<子系统>_<含义>_<单位/total>。
var (
	// SagaRuns 按最终状态统计 Saga 执行结果。
	SagaRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mercury_saga_runs_total",
		Help: "Completed saga runs by saga type and terminal status.",
	}, []string{"saga_type", "status"})

	// SagaCompensationFailures 补偿失败需要人工介入，必须单独可观测。
	SagaCompensationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mercury_saga_compensation_failures_total",
		Help: "Compensation steps that failed terminally and require manual intervention.",
	}, []string{"saga_type", "step"})

	// OutboxPublished 成功投递到 broker 的 outbox 事件数。
	OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercury_outbox_published_total",
		Help: "Outbox events successfully published to the broker.",
	})

	// OutboxDeadLettered 进入死信主题的事件数。
	OutboxDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercury_outbox_dead_lettered_total",
		Help: "Outbox events routed to the dead letter topic.",
	})

	// OutboxUnprocessed 当前积压的未处理 outbox 行数（由巡检任务刷新）。
	OutboxUnprocessed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mercury_outbox_unprocessed_rows",
		Help: "Current number of unprocessed outbox rows.",
	})

	// BreakerState 0=closed 1=open 2=half-open。
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mercury_circuit_breaker_state",
		Help: "Circuit breaker state per policy (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})

	// InventoryOps 库存台账操作结果。
	InventoryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mercury_inventory_operations_total",
		Help: "Inventory ledger operations by kind and result.",
	}, []string{"op", "result"})

	// IdempotentReplays 命中幂等缓存、被透明去重的请求数。
	IdempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercury_idempotent_replays_total",
		Help: "Requests served from the idempotency cache.",
	})
)

func init() {
	prometheus.MustRegister(
		SagaRuns,
		SagaCompensationFailures,
		OutboxPublished,
		OutboxDeadLettered,
		OutboxUnprocessed,
		BreakerState,
		InventoryOps,
		IdempotentReplays,
	)
}
