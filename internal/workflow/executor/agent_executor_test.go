package executor

import (
	"context"
	"testing"

	"backend/internal/workflow"
)

func TestSimulatedExecutorDeterministic(t *testing.T) {
	phase, _ := workflow.PhaseByID(1)
	ctx := context.Background()

	a := NewSimulatedAgentExecutor(42)
	b := NewSimulatedAgentExecutor(42)

	for i := 0; i < 3; i++ {
		ra, err := a.Execute(ctx, "market-analyst", phase, "创意")
		if err != nil {
			t.Fatalf("模拟执行失败: %v", err)
		}
		rb, err := b.Execute(ctx, "market-analyst", phase, "创意")
		if err != nil {
			t.Fatalf("模拟执行失败: %v", err)
		}
		if ra.Score != rb.Score {
			t.Fatalf("同种子同输入第 %d 轮评分应一致: %v vs %v", i+1, ra.Score, rb.Score)
		}
	}
}

func TestSimulatedExecutorDifferentSeeds(t *testing.T) {
	phase, _ := workflow.PhaseByID(1)
	ctx := context.Background()

	a := NewSimulatedAgentExecutor(1)
	b := NewSimulatedAgentExecutor(2)

	ra, _ := a.Execute(ctx, "market-analyst", phase, "创意")
	rb, _ := b.Execute(ctx, "market-analyst", phase, "创意")
	if ra.Score == rb.Score {
		t.Logf("不同种子评分碰巧相同（允许但罕见）: %v", ra.Score)
	}

	if ra.Score < 0 || ra.Score > 100 {
		t.Fatalf("评分应在 0-100 区间，实际 %v", ra.Score)
	}
}

func TestSimulatedExecutorRespectsCanceledContext(t *testing.T) {
	phase, _ := workflow.PhaseByID(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewSimulatedAgentExecutor(42)
	if _, err := e.Execute(ctx, "market-analyst", phase, "创意"); err == nil {
		t.Fatal("上下文已取消时应返回错误")
	}
}

func TestParseAgentOutputJSON(t *testing.T) {
	content := `{"score": 92.5, "narrative": "评估说明", "recommendations": ["补充市场数据"]}`
	score, narrative, recs := parseAgentOutput(content)
	if score != 92.5 {
		t.Errorf("评分应为 92.5，实际 %v", score)
	}
	if narrative != "评估说明" {
		t.Errorf("叙述不符: %q", narrative)
	}
	if len(recs) != 1 || recs[0] != "补充市场数据" {
		t.Errorf("建议不符: %v", recs)
	}
}

func TestParseAgentOutputScorePattern(t *testing.T) {
	score, _, _ := parseAgentOutput("总体不错。score: 87.5，细节见下文")
	if score != 87.5 {
		t.Errorf("应从 score: 模式提取 87.5，实际 %v", score)
	}
}

func TestParseAgentOutputFallback(t *testing.T) {
	content := "完全无法解析的自由文本"
	score, narrative, _ := parseAgentOutput(content)
	if score != 70.0 {
		t.Errorf("解析失败时应返回保守默认分 70.0，实际 %v", score)
	}
	if narrative != content {
		t.Errorf("叙述应原样保留，实际 %q", narrative)
	}
}

func TestClampScore(t *testing.T) {
	if got := clampScore(-5); got != 0 {
		t.Errorf("负分应钳到 0，实际 %v", got)
	}
	if got := clampScore(150); got != 100 {
		t.Errorf("超 100 应钳到 100，实际 %v", got)
	}
	if got := clampScore(88.8); got != 88.8 {
		t.Errorf("区间内评分应保持不变，实际 %v", got)
	}
}
