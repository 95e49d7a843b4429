package workflow

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// 会话状态
const (
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

// 阶段结果状态
const (
	PhaseStatusCompleted = "completed"
	PhaseStatusFailed    = "failed"
	PhaseStatusTimeout   = "timeout"
)

// 迭代周期状态
const (
	CycleActive    = "active"
	CycleCompleted = "completed"
)

// 决策类型
const (
	DecisionPhaseAdvancement = "phase_advancement"

	// SystemCycleID 跨周期决策（如阶段推进建议）使用的哨兵周期 ID
	SystemCycleID = "system"
)

// 告警类型
const (
	AlertGateFailed    = "gate_failed"
	AlertPhaseTimeout  = "phase_timeout"
	AlertInternalError = "internal_error"
)

// WorkflowSession 工作流会话，一次完整的创意评估运行
type WorkflowSession struct {
	ID           string `json:"id" gorm:"primaryKey;type:uuid"`
	Idea         string `json:"idea" gorm:"type:text;not null"` // 创意文本，创建后不可变
	CurrentPhase int    `json:"currentPhase" gorm:"default:0"`
	Status       string `json:"status" gorm:"size:50;not null;default:in_progress"` // in_progress, completed, failed

	// 失败信息（便于事后排查，失败时保留现场）
	FailedPhase   int    `json:"failedPhase,omitempty" gorm:"default:0"`
	FailureReason string `json:"failureReason,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (WorkflowSession) TableName() string { return "workflow_sessions" }

// AgentResult 单个 Agent 的评估结果，记录后不可变
type AgentResult struct {
	AgentName       string    `json:"agent_name"`
	Score           float64   `json:"score"` // 0-100
	Narrative       string    `json:"narrative"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// AgentResultList 有序 Agent 结果集合，按 JSON 落库
type AgentResultList []AgentResult

// Value 实现 driver.Valuer 接口
func (l AgentResultList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Scan 实现 sql.Scanner 接口
func (l *AgentResultList) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		if s, sok := value.(string); sok {
			bytes = []byte(s)
		} else {
			return errors.New("type assertion to []byte failed")
		}
	}
	return json.Unmarshal(bytes, l)
}

// PhaseResult 阶段结果：每个 (session, phase) 恰好一行，门禁评估后不再变更
type PhaseResult struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	SessionID string `json:"sessionId" gorm:"type:uuid;not null;uniqueIndex:idx_session_phase"`
	PhaseID   int    `json:"phaseId" gorm:"not null;uniqueIndex:idx_session_phase"`

	Status         string          `json:"status" gorm:"size:50;not null"` // completed, failed, timeout
	AgentResults   AgentResultList `json:"agentResults" gorm:"type:text"`
	AggregateScore float64         `json:"aggregateScore"`
	GateThreshold  float64         `json:"gateThreshold"`
	GatePassed     bool            `json:"gatePassed"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (PhaseResult) TableName() string { return "tasks" }

// ToolActivity 工具活动记录（迭代中的进度备注也落在这里，可查询）
type ToolActivity struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	SessionID string `json:"sessionId" gorm:"type:uuid;not null;index"`
	PhaseID   int    `json:"phaseId" gorm:"index"`
	CycleID   string `json:"cycleId" gorm:"type:uuid;index"`

	ToolName string         `json:"toolName" gorm:"size:255;not null"`
	Note     string         `json:"note" gorm:"type:text"`
	Params   map[string]any `json:"params" gorm:"type:text;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (ToolActivity) TableName() string { return "tool_activity" }

// IterationCycle 迭代周期
// 不变式：每个 (session, phase) 至多一个 active 周期；迭代号从 1 起严格递增、无空洞
type IterationCycle struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	SessionID string `json:"sessionId" gorm:"type:uuid;not null;uniqueIndex:idx_active_cycle;uniqueIndex:idx_cycle_number"`
	PhaseID   int    `json:"phaseId" gorm:"not null;uniqueIndex:idx_active_cycle;uniqueIndex:idx_cycle_number"`

	IterationNumber int    `json:"iterationNumber" gorm:"not null;uniqueIndex:idx_cycle_number"`
	Status          string `json:"status" gorm:"size:50;not null"` // active, completed

	// ActiveFlag 活跃哨兵列：active 时为 1，完成后置 NULL
	// SQLite 唯一索引允许多个 NULL，由此保证同一 (session, phase) 只有一个活跃周期
	ActiveFlag *int `json:"-" gorm:"uniqueIndex:idx_active_cycle"`

	QualityScore *float64 `json:"qualityScore,omitempty"`

	StartedAt   time.Time  `json:"startedAt" gorm:"not null"`
	CompletedAt *time.Time `json:"completedAt"`
}

// TableName 指定表名
func (IterationCycle) TableName() string { return "iteration_cycles" }

// Checkpoint 迭代中途的质量快照，只追加不修改
type Checkpoint struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	CycleID   string `json:"cycleId" gorm:"type:uuid;not null;index"`
	SessionID string `json:"sessionId" gorm:"type:uuid;not null;index"`
	PhaseID   int    `json:"phaseId" gorm:"not null"`

	CheckpointType    string         `json:"checkpointType" gorm:"size:100;not null"`
	Payload           map[string]any `json:"payload" gorm:"type:text;serializer:json"`
	QualityAssessment *float64       `json:"qualityAssessment,omitempty"`

	// EventKey 幂等键：同一触发事件重复投递时不会产生重复快照
	EventKey *string `json:"-" gorm:"uniqueIndex"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (Checkpoint) TableName() string { return "iteration_checkpoints" }

// Decision 决策记录（可能由系统自动生成），同键重发按 upsert 覆盖
type Decision struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	CycleID   string `json:"cycleId" gorm:"size:64;not null;uniqueIndex:idx_decision_key"`
	SessionID string `json:"sessionId" gorm:"type:uuid;not null;uniqueIndex:idx_decision_key"`
	PhaseID   int    `json:"phaseId" gorm:"not null;uniqueIndex:idx_decision_key"`

	DecisionType  string         `json:"decisionType" gorm:"size:100;not null;uniqueIndex:idx_decision_key"`
	Payload       map[string]any `json:"payload" gorm:"type:text;serializer:json"`
	AutoGenerated bool           `json:"autoGenerated"`
	UserApproved  bool           `json:"userApproved"`
	Reasoning     string         `json:"reasoning" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (Decision) TableName() string { return "iteration_decisions" }

// QualityTracking 阶段质量追踪，每个阶段结果一行
type QualityTracking struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	SessionID string `json:"sessionId" gorm:"type:uuid;not null;index"`
	PhaseID   int    `json:"phaseId" gorm:"not null"`

	MetricName string  `json:"metricName" gorm:"size:100;not null"`
	Score      float64 `json:"score"`
	Threshold  float64 `json:"threshold"`
	Passed     bool    `json:"passed"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (QualityTracking) TableName() string { return "quality_tracking" }

// QualityAlert 质量告警（门禁失败、阶段超时、被吞掉的内部错误）
type QualityAlert struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	SessionID string `json:"sessionId" gorm:"type:uuid;index"`
	PhaseID   int    `json:"phaseId"`

	AlertType string `json:"alertType" gorm:"size:100;not null"`
	Message   string `json:"message" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (QualityAlert) TableName() string { return "quality_alerts" }

// AllModels 全部持久化模型，迁移时统一注册
func AllModels() []interface{} {
	return []interface{}{
		&WorkflowSession{},
		&PhaseResult{},
		&ToolActivity{},
		&IterationCycle{},
		&Checkpoint{},
		&Decision{},
		&QualityTracking{},
		&QualityAlert{},
	}
}
