package tasks

// Task Types
const (
	TypeRunWorkflow = "workflow:run"
)

// RunWorkflowPayload 工作流会话执行任务载荷
type RunWorkflowPayload struct {
	SessionID string `json:"session_id"`
}
