// Package iteration 迭代生命周期管理
// 每个 (session, phase) 维护 NoCycle → Active → Completed 状态机，
// 完成后可再次进入新的 Active 周期（迭代号递增）。
// 所有状态都在存储里，调用方是大量互不相识的短生命周期进程。
package iteration

import (
	"context"
	"errors"
	"fmt"

	"backend/internal/classifier"
	"backend/internal/metrics"
	"backend/internal/workflow"

	"go.uber.org/zap"
)

// Manager 迭代生命周期管理器
type Manager struct {
	store  *workflow.Store
	logger *zap.Logger
}

// NewManager 创建管理器
func NewManager(store *workflow.Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Handle 处理一次分类后的迭代事件
// 返回是否产生了状态变更；阶段或动作缺失时不做任何处理
// 事件至少一次投递下安全：重复创建被活跃周期唯一性挡住、检查点靠幂等键去重
func (m *Manager) Handle(ctx context.Context, sessionID string, cctx *classifier.Context, toolName string, params map[string]any) (bool, error) {
	if !cctx.Actionable() {
		return false, nil
	}

	switch cctx.Action {
	case classifier.ActionIteration:
		return m.handleIteration(ctx, sessionID, cctx, toolName, params)
	case classifier.ActionCheckpoint:
		return m.handleCheckpoint(ctx, sessionID, cctx, toolName, params)
	case classifier.ActionCompletion:
		return m.handleCompletion(ctx, sessionID, cctx, toolName, params)
	default:
		return false, nil
	}
}

// handleIteration 迭代请求
// 无活跃周期 → 原子创建新周期（迭代号 = 历史最大值 + 1）
// 已有活跃周期 → 不建新周期，落一条进度备注
func (m *Manager) handleIteration(ctx context.Context, sessionID string, cctx *classifier.Context, toolName string, params map[string]any) (bool, error) {
	phase, _ := workflow.PhaseByID(cctx.PhaseID)

	cycle, err := m.store.CreateIterationCycle(ctx, sessionID, cctx.PhaseID)
	if errors.Is(err, workflow.ErrActiveCycleExists) {
		active, gerr := m.store.GetActiveCycle(ctx, sessionID, cctx.PhaseID)
		if gerr != nil {
			return false, gerr
		}
		if active == nil {
			// 竞争窗口：创建时还在、查询时已完成，按无事可做处理
			return false, nil
		}
		return true, m.recordProgress(ctx, sessionID, active, toolName, params)
	}
	if err != nil {
		return false, err
	}

	metrics.IterationCyclesTotal.WithLabelValues(phase.Name, "created").Inc()
	m.logger.Info("创建迭代周期",
		zap.String("session_id", sessionID),
		zap.Int("phase", cctx.PhaseID),
		zap.Int("iteration", cycle.IterationNumber),
	)

	return true, m.recordProgress(ctx, sessionID, cycle, toolName, params)
}

// handleCheckpoint 检查点请求：只在有活跃周期时追加快照
func (m *Manager) handleCheckpoint(ctx context.Context, sessionID string, cctx *classifier.Context, toolName string, params map[string]any) (bool, error) {
	active, err := m.store.GetActiveCycle(ctx, sessionID, cctx.PhaseID)
	if err != nil {
		return false, err
	}
	if active == nil {
		// NoCycle 状态下没有可检查点的对象
		return false, nil
	}

	cp := &workflow.Checkpoint{
		CycleID:           active.ID,
		SessionID:         sessionID,
		PhaseID:           cctx.PhaseID,
		CheckpointType:    stringParam(params, "checkpoint_type", "quality_snapshot"),
		Payload:           params,
		QualityAssessment: floatParam(params, "quality_score"),
		EventKey:          eventKey(params),
	}
	if err := m.store.AppendCheckpoint(ctx, cp); err != nil {
		return false, err
	}
	return true, nil
}

// handleCompletion 完成请求：关闭活跃周期并评估收敛条件
func (m *Manager) handleCompletion(ctx context.Context, sessionID string, cctx *classifier.Context, toolName string, params map[string]any) (bool, error) {
	active, err := m.store.GetActiveCycle(ctx, sessionID, cctx.PhaseID)
	if err != nil {
		return false, err
	}
	if active == nil {
		// NoCycle 状态下没有可完成的对象
		return false, nil
	}

	// 质量分优先取事件参数，其次取周期内最近一次检查点评估
	quality := floatParam(params, "quality_score")
	if quality == nil {
		quality, err = m.store.LatestCheckpointQuality(ctx, active.ID)
		if err != nil {
			return false, err
		}
	}

	if err := m.store.CompleteCycle(ctx, active.ID, quality); err != nil {
		return false, err
	}

	phase, _ := workflow.PhaseByID(cctx.PhaseID)
	metrics.IterationCyclesTotal.WithLabelValues(phase.Name, "completed").Inc()
	m.logger.Info("迭代周期完成",
		zap.String("session_id", sessionID),
		zap.Int("phase", cctx.PhaseID),
		zap.Int("iteration", active.IterationNumber),
	)

	if err := m.evaluateCompletion(ctx, sessionID, cctx.PhaseID); err != nil {
		return true, err
	}
	return true, nil
}

// evaluateCompletion 周期完成后的收敛评估
// completedCount >= maxIterations 或 avgQuality >= earlyExitThreshold 时
// 发出阶段推进决策（建议性质，由编排器或外部执行者消费，不自动切换阶段）
func (m *Manager) evaluateCompletion(ctx context.Context, sessionID string, phaseID int) error {
	policy, ok := workflow.PolicyFor(phaseID)
	if !ok {
		return nil
	}

	stats, err := m.store.CompletedCycleStats(ctx, sessionID, phaseID)
	if err != nil {
		return err
	}

	reachedMax := stats.CompletedCount >= int64(policy.MaxIterations)
	earlyExit := stats.AverageQuality >= policy.EarlyExitThreshold
	if !reachedMax && !earlyExit {
		return nil
	}

	nextPhase := workflow.NextPhaseID(phaseID)
	payload := map[string]any{
		"completed_count": stats.CompletedCount,
		"average_quality": stats.AverageQuality,
		"last_iteration":  stats.LatestIteration,
	}
	if nextPhase > 0 {
		payload["next_phase"] = nextPhase
	} else {
		// 阶段 5 的后继是"工作流完成"
		payload["next_phase"] = "workflow_complete"
	}

	phase, _ := workflow.PhaseByID(phaseID)
	metrics.AdvancementDecisionsTotal.WithLabelValues(phase.Name).Inc()

	return m.store.UpsertDecision(ctx, &workflow.Decision{
		CycleID:       workflow.SystemCycleID,
		SessionID:     sessionID,
		PhaseID:       phaseID,
		DecisionType:  workflow.DecisionPhaseAdvancement,
		Payload:       payload,
		AutoGenerated: true,
		Reasoning:     "iteration completion criteria met",
	})
}

// recordProgress 针对活跃周期落一条进度备注（持久、可查询）
func (m *Manager) recordProgress(ctx context.Context, sessionID string, cycle *workflow.IterationCycle, toolName string, params map[string]any) error {
	return m.store.RecordToolActivity(ctx, &workflow.ToolActivity{
		SessionID: sessionID,
		PhaseID:   cycle.PhaseID,
		CycleID:   cycle.ID,
		ToolName:  toolName,
		Note:      fmt.Sprintf("迭代 %d 进度更新", cycle.IterationNumber),
		Params:    params,
	})
}

func stringParam(params map[string]any, key, fallback string) string {
	if params != nil {
		if v, ok := params[key].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}

func floatParam(params map[string]any, key string) *float64 {
	if params == nil {
		return nil
	}
	switch v := params[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}

func eventKey(params map[string]any) *string {
	if params == nil {
		return nil
	}
	if v, ok := params["event_key"].(string); ok && v != "" {
		return &v
	}
	return nil
}
