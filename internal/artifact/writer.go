// Package artifact 人类可读的产出文件
// 每个 (阶段, Agent) 一份报告，只写一次；会话级快照在每次阶段切换后重写
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backend/internal/workflow"
)

// Writer 产出文件写入器
type Writer struct {
	basePath string
}

// NewWriter 创建写入器
func NewWriter(basePath string) *Writer {
	return &Writer{basePath: basePath}
}

// WriteAgentReport 写入单个 Agent 的评估报告（已存在时跳过，不做修订）
func (w *Writer) WriteAgentReport(session *workflow.WorkflowSession, phase workflow.PhaseConfig, result *workflow.AgentResult) error {
	dir := filepath.Join(w.basePath, session.ID, fmt.Sprintf("phase%d", phase.ID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %w", err)
	}

	path := filepath.Join(dir, result.AgentName+".md")
	if _, err := os.Stat(path); err == nil {
		// 报告一经写出不再修订
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s — %s\n\n", phase.Name, result.AgentName)
	fmt.Fprintf(&b, "- 评分: %.1f\n", result.Score)
	fmt.Fprintf(&b, "- 时间: %s\n\n", result.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "## 创意\n\n%s\n\n", session.Idea)
	fmt.Fprintf(&b, "## 评估说明\n\n%s\n", result.Narrative)
	if len(result.Recommendations) > 0 {
		b.WriteString("\n## 改进建议\n\n")
		for _, rec := range result.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}

	return os.WriteFile(path, []byte(b.String()), 0644)
}

// sessionSnapshot 会话级快照结构
type sessionSnapshot struct {
	ID           string                       `json:"id"`
	Idea         string                       `json:"idea"`
	Status       string                       `json:"status"`
	CurrentPhase int                          `json:"current_phase"`
	CreatedAt    time.Time                    `json:"created_at"`
	UpdatedAt    time.Time                    `json:"updated_at"`
	Phases       map[string]phaseSnapshotItem `json:"phases"`
}

type phaseSnapshotItem struct {
	Status         string                   `json:"status"`
	AggregateScore float64                  `json:"aggregate_score"`
	GateThreshold  float64                  `json:"gate_threshold"`
	GatePassed     bool                     `json:"gate_passed"`
	AgentResults   workflow.AgentResultList `json:"agent_results"`
}

// WriteSessionSnapshot 重写会话快照文件（每次阶段切换后整体覆盖）
func (w *Writer) WriteSessionSnapshot(session *workflow.WorkflowSession, results []workflow.PhaseResult) error {
	dir := filepath.Join(w.basePath, session.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建会话目录失败: %w", err)
	}

	snapshot := sessionSnapshot{
		ID:           session.ID,
		Idea:         session.Idea,
		Status:       session.Status,
		CurrentPhase: session.CurrentPhase,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
		Phases:       make(map[string]phaseSnapshotItem, len(results)),
	}
	for _, pr := range results {
		snapshot.Phases[fmt.Sprintf("phase%d", pr.PhaseID)] = phaseSnapshotItem{
			Status:         pr.Status,
			AggregateScore: pr.AggregateScore,
			GateThreshold:  pr.GateThreshold,
			GatePassed:     pr.GatePassed,
			AgentResults:   pr.AgentResults,
		}
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化会话快照失败: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, "session.json"), data, 0644)
}
