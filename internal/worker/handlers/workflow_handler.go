package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// WorkflowRunner 工作流执行器抽象，便于注入 mock
type WorkflowRunner interface {
	RunSession(ctx context.Context, sessionID string) error
}

type WorkflowHandler struct {
	runner WorkflowRunner
	logger *zap.Logger
}

func NewWorkflowHandler(runner WorkflowRunner, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		runner: runner,
		logger: logger,
	}
}

func (h *WorkflowHandler) HandleRunWorkflow(ctx context.Context, t *asynq.Task) error {
	var p tasks.RunWorkflowPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	h.logger.Info("开始执行工作流会话", zap.String("session_id", p.SessionID))

	if err := h.runner.RunSession(ctx, p.SessionID); err != nil {
		h.logger.Error("工作流会话执行失败",
			zap.String("session_id", p.SessionID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("工作流会话执行完成", zap.String("session_id", p.SessionID))
	return nil
}
