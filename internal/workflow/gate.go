package workflow

import "math"

// gateThresholds 静态门禁阈值表，直接按阶段 ID 取值，不做位置或名称推断
var gateThresholds = map[int]float64{
	1: 95,
	2: 90,
	3: 95,
	4: 95,
	5: 95,
}

// phaseMetricNames 阶段 ID 到质量指标名的静态映射
var phaseMetricNames = map[int]string{
	1: "concept_quality",
	2: "planning_quality",
	3: "architecture_quality",
	4: "implementation_quality",
	5: "refinement_quality",
}

// IterationPolicy 迭代阶段的收敛策略
type IterationPolicy struct {
	MaxIterations      int
	EarlyExitThreshold float64
}

var iterationPolicies = map[int]IterationPolicy{
	4: {MaxIterations: 5, EarlyExitThreshold: 95.0},
	5: {MaxIterations: 3, EarlyExitThreshold: 95.0},
}

// GateResult 门禁评估结果
type GateResult struct {
	Passed    bool
	Threshold float64
}

// EvaluateGate 门禁评估，纯函数无副作用
// passed = aggregate >= threshold；未知阶段视为不通过（阈值 0 但 passed=false）
func EvaluateGate(phaseID int, aggregate float64) GateResult {
	threshold, ok := gateThresholds[phaseID]
	if !ok {
		return GateResult{Passed: false, Threshold: 0}
	}
	return GateResult{
		Passed:    aggregate >= threshold,
		Threshold: threshold,
	}
}

// MetricName 返回阶段的质量指标名
func MetricName(phaseID int) string {
	if name, ok := phaseMetricNames[phaseID]; ok {
		return name
	}
	return "unknown_quality"
}

// PolicyFor 返回迭代阶段的收敛策略
func PolicyFor(phaseID int) (IterationPolicy, bool) {
	p, ok := iterationPolicies[phaseID]
	return p, ok
}

// Aggregate 聚合分 = 各 Agent 得分算术平均，保留一位小数；无 Agent 时为 0
func Aggregate(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))
	return math.Round(mean*10) / 10
}
