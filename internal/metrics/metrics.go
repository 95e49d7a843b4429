package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 工作流编排指标
var (
	// PhaseExecutionsTotal 阶段执行总数
	PhaseExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideaforge_phase_executions_total",
			Help: "阶段执行总数",
		},
		[]string{"phase", "status"},
	)

	// GateEvaluationsTotal 门禁评估结果计数
	GateEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideaforge_gate_evaluations_total",
			Help: "门禁评估结果计数",
		},
		[]string{"phase", "result"},
	)

	// AgentExecutionDuration Agent 执行耗时（秒）
	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ideaforge_agent_execution_duration_seconds",
			Help:    "Agent 执行耗时分布",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent", "phase"},
	)

	// SessionsTotal 会话终态计数
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideaforge_sessions_total",
			Help: "工作流会话终态计数",
		},
		[]string{"status"},
	)
)

// 迭代生命周期指标
var (
	// IterationCyclesTotal 迭代周期事件计数
	IterationCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideaforge_iteration_cycles_total",
			Help: "迭代周期事件计数",
		},
		[]string{"phase", "event"}, // event: created, completed
	)

	// AdvancementDecisionsTotal 阶段推进决策计数
	AdvancementDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideaforge_advancement_decisions_total",
			Help: "阶段推进决策计数",
		},
		[]string{"phase"},
	)
)

// 事件入口指标
var (
	// HookEventsTotal hook 调用结果计数
	HookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideaforge_hook_events_total",
			Help: "入站事件处理结果计数",
		},
		[]string{"outcome"}, // outcome: noop, applied, internal_error
	)
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ideaforge_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ideaforge_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
