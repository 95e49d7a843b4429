package event

import (
	"context"
	"fmt"

	"backend/internal/classifier"
	"backend/internal/metrics"
	"backend/internal/workflow"
	"backend/internal/workflow/iteration"

	"go.uber.org/zap"
)

// Handler 入站事件处理器
// 一次调用一个事件：分类 → 驱动迭代状态机 → 提交并退出
type Handler struct {
	store   *workflow.Store
	manager *iteration.Manager
	logger  *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(store *workflow.Store, manager *iteration.Manager, logger *zap.Logger) *Handler {
	return &Handler{store: store, manager: manager, logger: logger}
}

// Handle 处理单个事件
// 任何内部错误都在此边界吞掉：记日志、尽力落一条告警，返回 InternalError
func (h *Handler) Handle(ctx context.Context, ev *InboundEvent) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = h.internalError(ctx, ev, fmt.Sprintf("panic: %v", r))
		}
		metrics.HookEventsTotal.WithLabelValues(result.Kind.String()).Inc()
	}()

	if ev == nil || ev.SessionID == "" {
		return Result{Kind: NoOp, Reason: "事件缺少会话 ID"}
	}

	cctx := classifier.Classify(ev.Prompt)
	if cctx == nil {
		return Result{Kind: NoOp, Reason: "未识别出阶段与动作"}
	}
	if !cctx.Actionable() {
		return Result{Kind: NoOp, Reason: "阶段或动作缺失"}
	}

	applied, err := h.manager.Handle(ctx, ev.SessionID, cctx, ev.Tool.Name, ev.Tool.Parameters)
	if err != nil {
		return h.internalError(ctx, ev, err.Error())
	}
	if !applied {
		return Result{Kind: NoOp, Reason: "状态机无可应用的转换"}
	}
	return Result{Kind: Applied}
}

// internalError 记录被吞掉的内部错误
// 告警写入也是尽力而为，可观测性故障不能阻塞宿主的工具调用
func (h *Handler) internalError(ctx context.Context, ev *InboundEvent, reason string) Result {
	h.logger.Error("事件处理内部错误（已吞掉）",
		zap.String("session_id", ev.SessionID),
		zap.String("tool", ev.Tool.Name),
		zap.String("reason", reason),
	)
	_ = h.store.RecordQualityAlert(ctx, &workflow.QualityAlert{
		SessionID: ev.SessionID,
		AlertType: workflow.AlertInternalError,
		Message:   reason,
	})
	return Result{Kind: InternalError, Reason: reason}
}
