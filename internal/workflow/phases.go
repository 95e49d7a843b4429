package workflow

import "time"

// PhaseConfig 阶段配置：固定的 Agent 名单、执行模式与超时
type PhaseConfig struct {
	ID       int
	Name     string
	Agents   []string
	Parallel bool
	Timeout  time.Duration
	// Iterative 为 true 的阶段不做单次门禁，由迭代生命周期驱动推进
	Iterative bool
}

// PhaseSequence 阶段按此顺序严格串行执行，后一阶段绝不在前一阶段门禁通过前启动
var PhaseSequence = []PhaseConfig{
	{
		ID:       1,
		Name:     "concept_evaluation",
		Parallel: true,
		Timeout:  10 * time.Minute,
		Agents: []string{
			"market-analyst",
			"tech-feasibility",
			"user-value",
			"competition-scanner",
			"risk-assessor",
			"cost-estimator",
			"innovation-judge",
			"scalability-reviewer",
			"compliance-checker",
		},
	},
	{
		ID:       2,
		Name:     "planning",
		Parallel: true,
		Timeout:  10 * time.Minute,
		Agents: []string{
			"product-planner",
			"milestone-designer",
			"resource-planner",
			"success-metrics",
		},
	},
	{
		ID:       3,
		Name:     "architecture",
		Parallel: false,
		Timeout:  15 * time.Minute,
		Agents: []string{
			"system-architect",
			"data-designer",
			"interface-designer",
		},
	},
	{
		ID:        4,
		Name:      "implementation",
		Parallel:  false,
		Timeout:   30 * time.Minute,
		Iterative: true,
		Agents: []string{
			"code-builder",
			"code-reviewer",
		},
	},
	{
		ID:        5,
		Name:      "refinement",
		Parallel:  false,
		Timeout:   20 * time.Minute,
		Iterative: true,
		Agents: []string{
			"test-runner",
			"polisher",
		},
	},
}

// PhaseByID 按阶段 ID 查找配置
func PhaseByID(id int) (PhaseConfig, bool) {
	for _, p := range PhaseSequence {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseConfig{}, false
}

// IsIterative 判断阶段是否为迭代阶段
func IsIterative(phaseID int) bool {
	p, ok := PhaseByID(phaseID)
	return ok && p.Iterative
}

// NextPhaseID 返回后继阶段 ID；最后一个阶段的后继为 0（工作流完成）
func NextPhaseID(phaseID int) int {
	for i, p := range PhaseSequence {
		if p.ID == phaseID {
			if i+1 < len(PhaseSequence) {
				return PhaseSequence[i+1].ID
			}
			return 0
		}
	}
	return 0
}
