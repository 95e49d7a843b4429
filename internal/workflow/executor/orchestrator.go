package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend/internal/artifact"
	"backend/internal/infra/queue"
	"backend/internal/metrics"
	"backend/internal/worker/tasks"
	"backend/internal/workflow"

	"go.uber.org/zap"
)

// Orchestrator 工作流编排器
// 按固定顺序驱动五个阶段：执行 Agent、聚合评分、门禁评估、落库
// 迭代阶段（4、5）只记录首轮迭代快照，后续迭代由外部事件经生命周期管理器驱动
type Orchestrator struct {
	store      *workflow.Store
	agentExec  AgentExecutor
	queue      queue.Client
	artifacts  *artifact.Writer
	logger     *zap.Logger
	maxRetries int
}

// Option 编排器可选配置
type Option func(*Orchestrator)

// WithQueue 注入任务队列客户端（Submit 异步提交时必需）
func WithQueue(q queue.Client) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// WithArtifactWriter 注入产出文件写入器
func WithArtifactWriter(w *artifact.Writer) Option {
	return func(o *Orchestrator) { o.artifacts = w }
}

// WithAgentRetries 配置单个 Agent 失败后的重试次数
func WithAgentRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store *workflow.Store, agentExec AgentExecutor, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		agentExec: agentExec,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit 创建会话并入队异步执行
func (o *Orchestrator) Submit(ctx context.Context, idea string) (*workflow.WorkflowSession, error) {
	if o.queue == nil {
		return nil, errors.New("未配置任务队列，无法异步提交")
	}

	session, err := o.store.CreateSession(ctx, idea)
	if err != nil {
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}

	payload := tasks.RunWorkflowPayload{SessionID: session.ID}
	if err := o.queue.EnqueueRunWorkflow(payload); err != nil {
		// 入队失败，立即标记会话失败
		_ = o.store.MarkSessionFailed(ctx, session.ID, 0, fmt.Sprintf("任务入队失败: %v", err))
		return nil, fmt.Errorf("任务入队失败: %w", err)
	}

	return session, nil
}

// Run 创建会话并同步执行全部阶段
func (o *Orchestrator) Run(ctx context.Context, idea string) (*workflow.WorkflowSession, error) {
	session, err := o.store.CreateSession(ctx, idea)
	if err != nil {
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}

	if err := o.RunSession(ctx, session.ID); err != nil {
		return nil, err
	}

	return o.store.GetSession(ctx, session.ID)
}

// RunSession 执行会话的全部阶段（Worker 调用；崩溃后重跑可从已通过的阶段续跑）
func (o *Orchestrator) RunSession(ctx context.Context, sessionID string) error {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("查询会话失败: %w", err)
	}

	log := o.logger.With(zap.String("session_id", session.ID))

	for _, phase := range workflow.PhaseSequence {
		existing, err := o.store.GetPhaseResult(ctx, session.ID, phase.ID)
		if err != nil {
			return fmt.Errorf("查询阶段结果失败: %w", err)
		}
		if existing != nil {
			// 超时结果不可续跑：重跑属于显式的新动作，迭代阶段也不例外
			if existing.Status == workflow.PhaseStatusTimeout {
				return o.failSession(ctx, session, phase.ID,
					fmt.Sprintf("阶段 %d 执行超时", phase.ID))
			}
			// 续跑：迭代阶段的首轮快照已记录过，非迭代阶段只跳过已通过门禁的
			if phase.Iterative || existing.GatePassed {
				log.Info("阶段已有结果，跳过", zap.Int("phase", phase.ID))
				continue
			}
			// 已有失败结果：门禁失败不自动重试，重跑属于显式的新动作
			return o.failSession(ctx, session, phase.ID,
				fmt.Sprintf("阶段 %d 门禁未通过（聚合分 %.1f）", phase.ID, existing.AggregateScore))
		}

		if err := o.store.UpdateSessionPhase(ctx, session.ID, phase.ID); err != nil {
			return fmt.Errorf("更新会话阶段失败: %w", err)
		}

		startedAt := time.Now().UTC()
		agentResults, timedOut := o.executePhase(ctx, session, phase)
		completedAt := time.Now().UTC()

		scores := make([]float64, 0, len(agentResults))
		for _, r := range agentResults {
			scores = append(scores, r.Score)
		}
		aggregate := workflow.Aggregate(scores)
		gate := workflow.EvaluateGate(phase.ID, aggregate)

		status := workflow.PhaseStatusCompleted
		if timedOut {
			// 超时视为门禁自动失败
			status = workflow.PhaseStatusTimeout
			gate.Passed = false
		} else if !gate.Passed && !phase.Iterative {
			status = workflow.PhaseStatusFailed
		}

		pr := &workflow.PhaseResult{
			SessionID:      session.ID,
			PhaseID:        phase.ID,
			Status:         status,
			AgentResults:   agentResults,
			AggregateScore: aggregate,
			GateThreshold:  gate.Threshold,
			GatePassed:     gate.Passed,
			StartedAt:      startedAt,
			CompletedAt:    &completedAt,
		}
		if err := o.store.CreatePhaseResult(ctx, pr); err != nil && !errors.Is(err, workflow.ErrPhaseResultExists) {
			return fmt.Errorf("写入阶段结果失败: %w", err)
		}

		o.recordPhaseOutcome(ctx, session, phase, pr)

		if timedOut {
			_ = o.store.RecordQualityAlert(ctx, &workflow.QualityAlert{
				SessionID: session.ID,
				PhaseID:   phase.ID,
				AlertType: workflow.AlertPhaseTimeout,
				Message:   fmt.Sprintf("阶段 %d 在 %s 内未完成", phase.ID, phase.Timeout),
			})
			return o.failSession(ctx, session, phase.ID, fmt.Sprintf("阶段 %d 执行超时", phase.ID))
		}

		if phase.Iterative {
			// 迭代阶段不做单次门禁，记录首轮迭代周期后继续
			o.recordInitialIteration(ctx, session, phase, aggregate)
		} else if !gate.Passed {
			_ = o.store.RecordQualityAlert(ctx, &workflow.QualityAlert{
				SessionID: session.ID,
				PhaseID:   phase.ID,
				AlertType: workflow.AlertGateFailed,
				Message:   fmt.Sprintf("聚合分 %.1f 低于阈值 %.0f", aggregate, gate.Threshold),
			})
			return o.failSession(ctx, session, phase.ID,
				fmt.Sprintf("阶段 %d 门禁未通过（聚合分 %.1f，阈值 %.0f）", phase.ID, aggregate, gate.Threshold))
		}

		log.Info("阶段完成",
			zap.Int("phase", phase.ID),
			zap.Float64("aggregate", aggregate),
			zap.Bool("gate_passed", gate.Passed),
		)
	}

	if err := o.store.MarkSessionCompleted(ctx, session.ID); err != nil {
		return fmt.Errorf("标记会话完成失败: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues(workflow.SessionCompleted).Inc()
	o.writeSessionSnapshot(ctx, session.ID)

	log.Info("工作流全部阶段完成")
	return nil
}

// executePhase 执行一个阶段的全部 Agent
// 并行阶段全量扇出、等待全部返回或超时先到；串行阶段按名单顺序逐个执行
// 超时后未完成的 Agent 不计入聚合
func (o *Orchestrator) executePhase(ctx context.Context, session *workflow.WorkflowSession, phase workflow.PhaseConfig) (workflow.AgentResultList, bool) {
	phaseCtx, cancel := context.WithTimeout(ctx, phase.Timeout)
	defer cancel()

	if phase.Parallel {
		return o.executeParallel(phaseCtx, session, phase)
	}
	return o.executeSequential(phaseCtx, session, phase)
}

func (o *Orchestrator) executeParallel(ctx context.Context, session *workflow.WorkflowSession, phase workflow.PhaseConfig) (workflow.AgentResultList, bool) {
	var mu sync.Mutex
	slots := make([]*workflow.AgentResult, len(phase.Agents))

	var wg sync.WaitGroup
	for i, agentName := range phase.Agents {
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()
			result := o.executeAgent(ctx, session, phase, name)
			if result != nil {
				mu.Lock()
				slots[idx] = result
				mu.Unlock()
			}
		}(i, agentName)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-ctx.Done():
		timedOut = true
	}

	mu.Lock()
	defer mu.Unlock()
	results := make(workflow.AgentResultList, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results, timedOut
}

func (o *Orchestrator) executeSequential(ctx context.Context, session *workflow.WorkflowSession, phase workflow.PhaseConfig) (workflow.AgentResultList, bool) {
	results := make(workflow.AgentResultList, 0, len(phase.Agents))
	for _, agentName := range phase.Agents {
		if ctx.Err() != nil {
			return results, true
		}
		if result := o.executeAgent(ctx, session, phase, agentName); result != nil {
			results = append(results, *result)
		} else if ctx.Err() != nil {
			// 执行期间超时，该 Agent 不计入聚合
			return results, true
		}
	}
	return results, false
}

// executeAgent 执行单个 Agent，失败按配置重试，重试耗尽计零分
// 上下文已取消时返回 nil（不计入聚合）
func (o *Orchestrator) executeAgent(ctx context.Context, session *workflow.WorkflowSession, phase workflow.PhaseConfig, agentName string) *workflow.AgentResult {
	start := time.Now()

	var result *workflow.AgentResult
	var err error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		result, err = o.agentExec.Execute(ctx, agentName, phase, session.Idea)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	metrics.AgentExecutionDuration.
		WithLabelValues(agentName, phase.Name).
		Observe(time.Since(start).Seconds())

	if err != nil {
		o.logger.Warn("Agent 执行失败，按零分计入",
			zap.String("agent", agentName),
			zap.Int("phase", phase.ID),
			zap.Error(err),
		)
		return &workflow.AgentResult{
			AgentName: agentName,
			Score:     0,
			Narrative: fmt.Sprintf("Agent 执行失败: %v", err),
			Timestamp: time.Now().UTC(),
		}
	}

	if o.artifacts != nil {
		if werr := o.artifacts.WriteAgentReport(session, phase, result); werr != nil {
			o.logger.Warn("写入 Agent 报告失败", zap.String("agent", agentName), zap.Error(werr))
		}
	}

	return result
}

// recordPhaseOutcome 记录质量追踪、指标与会话快照
func (o *Orchestrator) recordPhaseOutcome(ctx context.Context, session *workflow.WorkflowSession, phase workflow.PhaseConfig, pr *workflow.PhaseResult) {
	_ = o.store.RecordQualityTracking(ctx, &workflow.QualityTracking{
		SessionID:  session.ID,
		PhaseID:    phase.ID,
		MetricName: workflow.MetricName(phase.ID),
		Score:      pr.AggregateScore,
		Threshold:  pr.GateThreshold,
		Passed:     pr.GatePassed,
	})

	metrics.PhaseExecutionsTotal.WithLabelValues(phase.Name, pr.Status).Inc()
	gateResult := "failed"
	if pr.GatePassed {
		gateResult = "passed"
	}
	metrics.GateEvaluationsTotal.WithLabelValues(phase.Name, gateResult).Inc()

	o.writeSessionSnapshot(ctx, session.ID)
}

// recordInitialIteration 为迭代阶段记录首轮迭代周期
// 已存在活跃周期时静默跳过（重跑或外部事件先到都可能出现）
func (o *Orchestrator) recordInitialIteration(ctx context.Context, session *workflow.WorkflowSession, phase workflow.PhaseConfig, aggregate float64) {
	cycle, err := o.store.CreateIterationCycle(ctx, session.ID, phase.ID)
	if err != nil {
		if !errors.Is(err, workflow.ErrActiveCycleExists) {
			o.logger.Warn("创建首轮迭代周期失败", zap.Int("phase", phase.ID), zap.Error(err))
		}
		return
	}

	metrics.IterationCyclesTotal.WithLabelValues(phase.Name, "created").Inc()

	_ = o.store.RecordToolActivity(ctx, &workflow.ToolActivity{
		SessionID: session.ID,
		PhaseID:   phase.ID,
		CycleID:   cycle.ID,
		ToolName:  "orchestrator",
		Note:      fmt.Sprintf("首轮迭代启动，基线聚合分 %.1f", aggregate),
	})
}

// failSession 标记会话失败并写快照
func (o *Orchestrator) failSession(ctx context.Context, session *workflow.WorkflowSession, phaseID int, reason string) error {
	if err := o.store.MarkSessionFailed(ctx, session.ID, phaseID, reason); err != nil {
		return fmt.Errorf("标记会话失败状态失败: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues(workflow.SessionFailed).Inc()
	o.writeSessionSnapshot(ctx, session.ID)

	o.logger.Warn("工作流终止",
		zap.String("session_id", session.ID),
		zap.Int("phase", phaseID),
		zap.String("reason", reason),
	)
	// 门禁失败/超时是显式建模的业务结局而非系统错误，后续阶段不再执行
	return nil
}

// writeSessionSnapshot 重写会话级快照文件（支持按快照续读）
func (o *Orchestrator) writeSessionSnapshot(ctx context.Context, sessionID string) {
	if o.artifacts == nil {
		return
	}
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	results, err := o.store.ListPhaseResults(ctx, sessionID)
	if err != nil {
		return
	}
	if werr := o.artifacts.WriteSessionSnapshot(session, results); werr != nil {
		o.logger.Warn("写入会话快照失败", zap.Error(werr))
	}
}
