package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 业务错误
var (
	// ErrActiveCycleExists 同一 (session, phase) 已存在活跃迭代周期
	ErrActiveCycleExists = errors.New("该阶段已存在活跃迭代周期")
	// ErrPhaseResultExists 同一 (session, phase) 的阶段结果已存在
	ErrPhaseResultExists = errors.New("该阶段结果已存在")
)

// Store 持久化存储：唯一的跨调用事实来源
// 所有写操作要么整体提交要么不生效，调用方崩溃不会留下半写状态
type Store struct {
	db *gorm.DB
}

// NewStore 创建存储
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate 执行一次性表结构迁移
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// DB 返回底层连接（查询接口使用）
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ---- 会话 ----

// CreateSession 创建工作流会话
func (s *Store) CreateSession(ctx context.Context, idea string) (*WorkflowSession, error) {
	session := &WorkflowSession{
		ID:     uuid.New().String(),
		Idea:   idea,
		Status: SessionInProgress,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession 查询会话
func (s *Store) GetSession(ctx context.Context, id string) (*WorkflowSession, error) {
	var session WorkflowSession
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSessionPhase 更新会话当前阶段
func (s *Store) UpdateSessionPhase(ctx context.Context, id string, phaseID int) error {
	return s.db.WithContext(ctx).Model(&WorkflowSession{}).
		Where("id = ?", id).
		Updates(map[string]any{"current_phase": phaseID, "updated_at": time.Now().UTC()}).Error
}

// MarkSessionCompleted 标记会话完成
func (s *Store) MarkSessionCompleted(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&WorkflowSession{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": SessionCompleted, "updated_at": time.Now().UTC()}).Error
}

// MarkSessionFailed 标记会话失败，保留失败阶段与原因供事后检查
func (s *Store) MarkSessionFailed(ctx context.Context, id string, phaseID int, reason string) error {
	return s.db.WithContext(ctx).Model(&WorkflowSession{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         SessionFailed,
			"failed_phase":   phaseID,
			"failure_reason": reason,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// ---- 阶段结果 ----

// GetPhaseResult 查询阶段结果，不存在时返回 (nil, nil)
func (s *Store) GetPhaseResult(ctx context.Context, sessionID string, phaseID int) (*PhaseResult, error) {
	var pr PhaseResult
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND phase_id = ?", sessionID, phaseID).
		First(&pr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListPhaseResults 按阶段顺序列出会话的全部阶段结果
func (s *Store) ListPhaseResults(ctx context.Context, sessionID string) ([]PhaseResult, error) {
	var results []PhaseResult
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("phase_id ASC").
		Find(&results).Error
	return results, err
}

// CreatePhaseResult 创建阶段结果
// (session, phase) 唯一索引保证并发运行时只有一条记录落库
func (s *Store) CreatePhaseResult(ctx context.Context, pr *PhaseResult) error {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	err := s.db.WithContext(ctx).Create(pr).Error
	if isUniqueViolation(err) {
		return ErrPhaseResultExists
	}
	return err
}

// ---- 迭代周期 ----

// GetActiveCycle 查询活跃迭代周期，不存在时返回 (nil, nil)
func (s *Store) GetActiveCycle(ctx context.Context, sessionID string, phaseID int) (*IterationCycle, error) {
	var cycle IterationCycle
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND phase_id = ? AND status = ?", sessionID, phaseID, CycleActive).
		First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// CreateIterationCycle 原子创建新迭代周期
// 事务内先校验无活跃周期再取号插入；活跃哨兵列上的唯一索引兜底并发竞争，
// 失败的尝试不消耗迭代号，因此编号严格递增且无空洞
func (s *Store) CreateIterationCycle(ctx context.Context, sessionID string, phaseID int) (*IterationCycle, error) {
	var cycle *IterationCycle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var activeCount int64
		if err := tx.Model(&IterationCycle{}).
			Where("session_id = ? AND phase_id = ? AND status = ?", sessionID, phaseID, CycleActive).
			Count(&activeCount).Error; err != nil {
			return err
		}
		if activeCount > 0 {
			return ErrActiveCycleExists
		}

		var maxNumber int
		if err := tx.Model(&IterationCycle{}).
			Where("session_id = ? AND phase_id = ?", sessionID, phaseID).
			Select("COALESCE(MAX(iteration_number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return err
		}

		one := 1
		cycle = &IterationCycle{
			ID:              uuid.New().String(),
			SessionID:       sessionID,
			PhaseID:         phaseID,
			IterationNumber: maxNumber + 1,
			Status:          CycleActive,
			ActiveFlag:      &one,
			StartedAt:       time.Now().UTC(),
		}
		return tx.Create(cycle).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveCycleExists
		}
		return nil, err
	}
	return cycle, nil
}

// CompleteCycle 标记周期完成，可选写入质量分
func (s *Store) CompleteCycle(ctx context.Context, cycleID string, quality *float64) error {
	updates := map[string]any{
		"status":       CycleCompleted,
		"active_flag":  nil,
		"completed_at": time.Now().UTC(),
	}
	if quality != nil {
		updates["quality_score"] = *quality
	}
	return s.db.WithContext(ctx).Model(&IterationCycle{}).
		Where("id = ?", cycleID).
		Updates(updates).Error
}

// ListCycles 按迭代号列出周期
func (s *Store) ListCycles(ctx context.Context, sessionID string, phaseID int) ([]IterationCycle, error) {
	var cycles []IterationCycle
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if phaseID > 0 {
		q = q.Where("phase_id = ?", phaseID)
	}
	err := q.Order("phase_id ASC, iteration_number ASC").Find(&cycles).Error
	return cycles, err
}

// CycleStats 已完成周期的统计量
type CycleStats struct {
	CompletedCount  int64
	AverageQuality  float64
	LatestIteration int
}

// CompletedCycleStats 统计 (session, phase) 下已完成周期数、平均质量分与最新迭代号
func (s *Store) CompletedCycleStats(ctx context.Context, sessionID string, phaseID int) (*CycleStats, error) {
	var stats CycleStats

	if err := s.db.WithContext(ctx).Model(&IterationCycle{}).
		Where("session_id = ? AND phase_id = ? AND status = ?", sessionID, phaseID, CycleCompleted).
		Count(&stats.CompletedCount).Error; err != nil {
		return nil, err
	}

	var avg *float64
	if err := s.db.WithContext(ctx).Model(&IterationCycle{}).
		Where("session_id = ? AND phase_id = ? AND status = ? AND quality_score IS NOT NULL",
			sessionID, phaseID, CycleCompleted).
		Select("AVG(quality_score)").
		Scan(&avg).Error; err != nil {
		return nil, err
	}
	if avg != nil {
		stats.AverageQuality = *avg
	}

	if err := s.db.WithContext(ctx).Model(&IterationCycle{}).
		Where("session_id = ? AND phase_id = ?", sessionID, phaseID).
		Select("COALESCE(MAX(iteration_number), 0)").
		Scan(&stats.LatestIteration).Error; err != nil {
		return nil, err
	}

	return &stats, nil
}

// ---- 检查点 ----

// AppendCheckpoint 追加检查点
// 携带幂等键的事件重复投递时静默去重，不报错
func (s *Store) AppendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	err := s.db.WithContext(ctx).Create(cp).Error
	if isUniqueViolation(err) && cp.EventKey != nil {
		return nil
	}
	return err
}

// LatestCheckpointQuality 取周期最近一次检查点的质量评估，没有时返回 nil
func (s *Store) LatestCheckpointQuality(ctx context.Context, cycleID string) (*float64, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).
		Where("cycle_id = ? AND quality_assessment IS NOT NULL", cycleID).
		Order("created_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp.QualityAssessment, nil
}

// ---- 决策 ----

// UpsertDecision 幂等写入决策：同键重发覆盖旧行
func (s *Store) UpsertDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "cycle_id"}, {Name: "session_id"}, {Name: "phase_id"}, {Name: "decision_type"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"payload", "auto_generated", "user_approved", "reasoning", "updated_at",
		}),
	}).Create(d).Error
}

// ListDecisions 列出会话决策
func (s *Store) ListDecisions(ctx context.Context, sessionID string) ([]Decision, error) {
	var decisions []Decision
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&decisions).Error
	return decisions, err
}

// GetDecision 按键查询决策，不存在时返回 (nil, nil)
func (s *Store) GetDecision(ctx context.Context, sessionID string, phaseID int, decisionType string) (*Decision, error) {
	var d Decision
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND phase_id = ? AND decision_type = ?", sessionID, phaseID, decisionType).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ---- 工具活动 / 质量追踪 / 告警 ----

// RecordToolActivity 记录工具活动（含迭代进度备注）
func (s *Store) RecordToolActivity(ctx context.Context, ta *ToolActivity) error {
	if ta.ID == "" {
		ta.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(ta).Error
}

// ListToolActivity 列出周期内的工具活动
func (s *Store) ListToolActivity(ctx context.Context, cycleID string) ([]ToolActivity, error) {
	var items []ToolActivity
	err := s.db.WithContext(ctx).
		Where("cycle_id = ?", cycleID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// RecordQualityTracking 记录阶段质量追踪
func (s *Store) RecordQualityTracking(ctx context.Context, qt *QualityTracking) error {
	if qt.ID == "" {
		qt.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(qt).Error
}

// RecordQualityAlert 记录质量告警，尽力而为（调用方可忽略错误）
func (s *Store) RecordQualityAlert(ctx context.Context, qa *QualityAlert) error {
	if qa.ID == "" {
		qa.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(qa).Error
}

// isUniqueViolation 判断是否为唯一约束冲突
// glebarez/sqlite 返回的错误文本包含 "UNIQUE constraint failed"
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
