package api

import (
	"strconv"

	"backend/internal/common"
	"backend/internal/workflow"
	"backend/internal/workflow/executor"

	"github.com/gin-gonic/gin"
)

// WorkflowHandler 工作流 API 处理器
type WorkflowHandler struct {
	store        *workflow.Store
	orchestrator *executor.Orchestrator
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(store *workflow.Store, orchestrator *executor.Orchestrator) *WorkflowHandler {
	return &WorkflowHandler{
		store:        store,
		orchestrator: orchestrator,
	}
}

// SubmitRequest 工作流提交请求
type SubmitRequest struct {
	Idea string `json:"idea" binding:"required"`
}

// Submit 提交创意，创建会话并入队异步执行
func (h *WorkflowHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "idea 字段必填")
		return
	}

	session, err := h.orchestrator.Submit(c.Request.Context(), req.Idea)
	if err != nil {
		common.ResponseError(c, common.CodeSubmitFailed, err.Error())
		return
	}

	common.ResponseCreated(c, session)
}

// GetSession 查询会话
func (h *WorkflowHandler) GetSession(c *gin.Context) {
	session, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.ResponseError(c, common.CodeSessionNotFound, "")
		return
	}
	common.ResponseSuccess(c, session)
}

// ListPhaseResults 查询会话的全部阶段结果
func (h *WorkflowHandler) ListPhaseResults(c *gin.Context) {
	results, err := h.store.ListPhaseResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.ResponseServerError(c, err.Error())
		return
	}
	common.ResponseSuccess(c, results)
}

// ListCycles 查询迭代周期，phase 查询参数缺省时返回全部迭代阶段
func (h *WorkflowHandler) ListCycles(c *gin.Context) {
	sessionID := c.Param("id")

	if raw := c.Query("phase"); raw != "" {
		phaseID, err := strconv.Atoi(raw)
		if err != nil || !workflow.IsIterative(phaseID) {
			common.ResponseError(c, common.CodeInvalidPhase, "")
			return
		}
		cycles, err := h.store.ListCycles(c.Request.Context(), sessionID, phaseID)
		if err != nil {
			common.ResponseServerError(c, err.Error())
			return
		}
		common.ResponseSuccess(c, cycles)
		return
	}

	all := make([]workflow.IterationCycle, 0)
	for _, phase := range workflow.PhaseSequence {
		if !phase.Iterative {
			continue
		}
		cycles, err := h.store.ListCycles(c.Request.Context(), sessionID, phase.ID)
		if err != nil {
			common.ResponseServerError(c, err.Error())
			return
		}
		all = append(all, cycles...)
	}
	common.ResponseSuccess(c, all)
}

// ListDecisions 查询会话的全部迭代决策
func (h *WorkflowHandler) ListDecisions(c *gin.Context) {
	decisions, err := h.store.ListDecisions(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.ResponseServerError(c, err.Error())
		return
	}
	common.ResponseSuccess(c, decisions)
}
