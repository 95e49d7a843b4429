// Package classifier 将自由文本映射为结构化的迭代意图
// 关键词表按固定优先级顺序求值，匹配顺序显式可测，而不是埋在控制流里
package classifier

import (
	"regexp"
	"strings"
)

// Action 迭代动作类型
type Action string

const (
	ActionIteration  Action = "iteration_request"
	ActionCheckpoint Action = "checkpoint_request"
	ActionCompletion Action = "completion_request"
)

// Context 分类结果
// PhaseID 为 0 表示未识别出阶段；Action 为空表示未识别出动作
type Context struct {
	PhaseID         int
	Action          Action
	IterationNumber int // 0 表示未出现 "iteration <N>" 模式
}

// phaseRule 阶段关键词规则，按序匹配、命中即返回
type phaseRule struct {
	phaseID  int
	keywords []string
}

// actionRule 动作关键词规则，按序匹配、命中即返回
type actionRule struct {
	action   Action
	keywords []string
}

// phase4 规则排在 phase5 之前：两组都命中时取 phase4
var phaseRules = []phaseRule{
	{
		phaseID:  4,
		keywords: []string{"phase 4", "phase4", "implementation", "implement", "build"},
	},
	{
		phaseID:  5,
		keywords: []string{"phase 5", "phase5", "refinement", "refine", "polish", "testing"},
	},
}

// 动作优先级固定为 iteration > checkpoint > completion
var actionRules = []actionRule{
	{
		action:   ActionIteration,
		keywords: []string{"iterate", "iteration", "another pass", "improve", "continue"},
	},
	{
		action:   ActionCheckpoint,
		keywords: []string{"checkpoint", "snapshot", "save progress"},
	},
	{
		action:   ActionCompletion,
		keywords: []string{"complete", "finished", "done", "wrap up"},
	},
}

// 迭代号提取与动作识别相互独立
var iterationNumberPattern = regexp.MustCompile(`iteration\s+(\d+)`)

// Classify 对输入文本做确定性分类
// 阶段和动作都未命中时返回 nil（调用方不做任何处理）
func Classify(input string) *Context {
	lowered := strings.ToLower(input)

	ctx := &Context{}

	for _, rule := range phaseRules {
		if containsAny(lowered, rule.keywords) {
			ctx.PhaseID = rule.phaseID
			break
		}
	}

	for _, rule := range actionRules {
		if containsAny(lowered, rule.keywords) {
			ctx.Action = rule.action
			break
		}
	}

	if m := iterationNumberPattern.FindStringSubmatch(lowered); m != nil {
		ctx.IterationNumber = atoiSafe(m[1])
	}

	if ctx.PhaseID == 0 && ctx.Action == "" {
		return nil
	}
	return ctx
}

// Actionable 阶段与动作齐备时才能驱动迭代状态机
func (c *Context) Actionable() bool {
	return c != nil && c.PhaseID != 0 && c.Action != ""
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
