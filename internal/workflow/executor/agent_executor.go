package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"backend/internal/workflow"

	openai "github.com/sashabaranov/go-openai"
)

// AgentExecutor Agent 执行能力抽象
// 生产实现走真实模型调用；模拟实现用固定种子产生可复现评分，供测试与演练
type AgentExecutor interface {
	Execute(ctx context.Context, agentName string, phase workflow.PhaseConfig, idea string) (*workflow.AgentResult, error)
}

// ---- OpenAI 实现 ----

// OpenAIAgentExecutor 基于 OpenAI 的生产执行器
type OpenAIAgentExecutor struct {
	client *openai.Client
	model  string
}

// NewOpenAIAgentExecutor 创建生产执行器
func NewOpenAIAgentExecutor(apiKey, baseURL, model string) *OpenAIAgentExecutor {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAgentExecutor{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Execute 调用模型对创意做单项评估
func (e *OpenAIAgentExecutor) Execute(ctx context.Context, agentName string, phase workflow.PhaseConfig, idea string) (*workflow.AgentResult, error) {
	prompt := fmt.Sprintf(
		"你是评估 Agent %q，当前阶段为 %s。请针对以下创意给出 0-100 的评分、评估说明与改进建议，"+
			"以 JSON 返回: {\"score\": <number>, \"narrative\": <string>, \"recommendations\": [<string>]}。\n\n创意：%s",
		agentName, phase.Name, idea,
	)

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Agent %s 执行失败: %w", agentName, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("Agent %s 未返回内容", agentName)
	}

	content := resp.Choices[0].Message.Content
	score, narrative, recommendations := parseAgentOutput(content)

	return &workflow.AgentResult{
		AgentName:       agentName,
		Score:           clampScore(score),
		Narrative:       narrative,
		Recommendations: recommendations,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// parseAgentOutput 解析模型输出
// 先按 JSON 解析，失败则扫描 "score:" 模式，最后落到保守默认分
func parseAgentOutput(content string) (float64, string, []string) {
	var data struct {
		Score           float64  `json:"score"`
		Narrative       string   `json:"narrative"`
		Recommendations []string `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(content), &data); err == nil && data.Score > 0 {
		return data.Score, data.Narrative, data.Recommendations
	}

	lowered := strings.ToLower(content)
	for _, pattern := range []string{"score:", "score：", "评分:", "评分："} {
		if idx := strings.Index(lowered, pattern); idx >= 0 {
			rest := lowered[idx+len(pattern):]
			var score float64
			if _, err := fmt.Sscanf(rest, "%f", &score); err == nil {
				return score, content, nil
			}
		}
	}

	// 解析不出分数时返回中等分，叙述原样保留
	return 70.0, content, nil
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ---- 模拟实现 ----

// SimulatedAgentExecutor 确定性模拟执行器
// 评分由 (种子, Agent 名, 阶段, 迭代计数) 决定，同一输入永远得到同一评分序列
type SimulatedAgentExecutor struct {
	seed int64

	mu    sync.Mutex
	calls map[string]int // agent+phase -> 调用次数，驱动逐轮递增的评分
}

// NewSimulatedAgentExecutor 创建模拟执行器
func NewSimulatedAgentExecutor(seed int64) *SimulatedAgentExecutor {
	return &SimulatedAgentExecutor{
		seed:  seed,
		calls: make(map[string]int),
	}
}

// Execute 产生确定性的模拟评估结果
func (e *SimulatedAgentExecutor) Execute(ctx context.Context, agentName string, phase workflow.PhaseConfig, idea string) (*workflow.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	key := fmt.Sprintf("%s/%d", agentName, phase.ID)
	call := e.calls[key]
	e.calls[key] = call + 1
	e.mu.Unlock()

	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%d|%d", e.seed, agentName, phase.ID, call)
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	// 模拟评分集中在 88-100 区间，多次调用缓慢抬升，便于演练迭代收敛
	base := 88 + rng.Float64()*10
	score := clampScore(base + float64(call)*1.5)

	return &workflow.AgentResult{
		AgentName: agentName,
		Score:     math.Round(score*10) / 10,
		Narrative: fmt.Sprintf("模拟评估：Agent %s 在阶段 %s 对创意完成第 %d 轮评估", agentName, phase.Name, call+1),
		Recommendations: []string{
			fmt.Sprintf("针对 %s 维度补充更多细节", agentName),
		},
		Timestamp: time.Now().UTC(),
	}, nil
}
