package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupStoreTestDB(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:store_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("初始化 sqlite 失败: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取 SQL DB 失败: %v", err)
	}
	// SQLite 写并发有限，串行化连接避免测试偶发 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	store := NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	return store
}

func createTestSession(t *testing.T, store *Store) *WorkflowSession {
	t.Helper()
	session, err := store.CreateSession(context.Background(), "一个创意点子")
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	return session
}

func TestSessionLifecycle(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()

	session := createTestSession(t, store)
	if session.Status != SessionInProgress {
		t.Fatalf("新会话状态应为 %s，实际 %s", SessionInProgress, session.Status)
	}

	if err := store.UpdateSessionPhase(ctx, session.ID, 3); err != nil {
		t.Fatalf("更新会话阶段失败: %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("查询会话失败: %v", err)
	}
	if got.CurrentPhase != 3 {
		t.Errorf("当前阶段应为 3，实际 %d", got.CurrentPhase)
	}
	if got.Idea != "一个创意点子" {
		t.Errorf("创意文本不应变更，实际 %q", got.Idea)
	}

	if err := store.MarkSessionFailed(ctx, session.ID, 3, "门禁未通过"); err != nil {
		t.Fatalf("标记会话失败状态失败: %v", err)
	}
	got, _ = store.GetSession(ctx, session.ID)
	if got.Status != SessionFailed || got.FailedPhase != 3 || got.FailureReason != "门禁未通过" {
		t.Errorf("失败现场保留不完整: %+v", got)
	}
}

func TestCreatePhaseResultUnique(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	pr := &PhaseResult{
		SessionID:      session.ID,
		PhaseID:        1,
		Status:         PhaseStatusCompleted,
		AggregateScore: 96.1,
		GateThreshold:  95,
		GatePassed:     true,
		StartedAt:      time.Now().UTC(),
	}
	if err := store.CreatePhaseResult(ctx, pr); err != nil {
		t.Fatalf("首次写入阶段结果失败: %v", err)
	}

	dup := &PhaseResult{SessionID: session.ID, PhaseID: 1, Status: PhaseStatusCompleted, StartedAt: time.Now().UTC()}
	if err := store.CreatePhaseResult(ctx, dup); !errors.Is(err, ErrPhaseResultExists) {
		t.Fatalf("重复写入应返回 ErrPhaseResultExists，实际 %v", err)
	}

	got, err := store.GetPhaseResult(ctx, session.ID, 1)
	if err != nil {
		t.Fatalf("查询阶段结果失败: %v", err)
	}
	if got.AggregateScore != 96.1 {
		t.Errorf("首条记录不应被覆盖，聚合分实际 %v", got.AggregateScore)
	}

	missing, err := store.GetPhaseResult(ctx, session.ID, 2)
	if err != nil || missing != nil {
		t.Fatalf("不存在的阶段结果应返回 (nil, nil)，实际 (%v, %v)", missing, err)
	}
}

func TestCreateIterationCycleSingleActive(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	first, err := store.CreateIterationCycle(ctx, session.ID, 4)
	if err != nil {
		t.Fatalf("创建首个周期失败: %v", err)
	}
	if first.IterationNumber != 1 || first.Status != CycleActive {
		t.Fatalf("首个周期应为 active 且迭代号为 1，实际 %+v", first)
	}

	if _, err := store.CreateIterationCycle(ctx, session.ID, 4); !errors.Is(err, ErrActiveCycleExists) {
		t.Fatalf("已有活跃周期时应返回 ErrActiveCycleExists，实际 %v", err)
	}

	// 不同阶段的活跃周期互不影响
	if _, err := store.CreateIterationCycle(ctx, session.ID, 5); err != nil {
		t.Fatalf("其他阶段创建周期不应受影响: %v", err)
	}
}

func TestIterationNumbersGapless(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	for i := 1; i <= 4; i++ {
		cycle, err := store.CreateIterationCycle(ctx, session.ID, 4)
		if err != nil {
			t.Fatalf("第 %d 轮创建失败: %v", i, err)
		}
		if cycle.IterationNumber != i {
			t.Fatalf("第 %d 轮迭代号应为 %d，实际 %d", i, i, cycle.IterationNumber)
		}

		// 被拒绝的创建尝试不应消耗迭代号
		if _, err := store.CreateIterationCycle(ctx, session.ID, 4); !errors.Is(err, ErrActiveCycleExists) {
			t.Fatalf("第 %d 轮重复创建应被拒绝，实际 %v", i, err)
		}

		if err := store.CompleteCycle(ctx, cycle.ID, nil); err != nil {
			t.Fatalf("第 %d 轮完成失败: %v", i, err)
		}
	}

	cycles, err := store.ListCycles(ctx, session.ID, 4)
	if err != nil {
		t.Fatalf("列出周期失败: %v", err)
	}
	if len(cycles) != 4 {
		t.Fatalf("应有 4 个周期，实际 %d", len(cycles))
	}
	for i, c := range cycles {
		if c.IterationNumber != i+1 {
			t.Errorf("迭代号应严格递增无空洞，第 %d 个实际 %d", i, c.IterationNumber)
		}
	}
}

func TestCreateIterationCycleConcurrent(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateIterationCycle(ctx, session.ID, 4)
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, ErrActiveCycleExists) {
				t.Errorf("并发创建出现非预期错误: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("并发创建应只有一个成功，实际 %d", created)
	}

	active, err := store.GetActiveCycle(ctx, session.ID, 4)
	if err != nil || active == nil {
		t.Fatalf("应存在唯一活跃周期: (%v, %v)", active, err)
	}
	if active.IterationNumber != 1 {
		t.Errorf("活跃周期迭代号应为 1，实际 %d", active.IterationNumber)
	}
}

func TestCompleteCycleClearsActiveFlag(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	cycle, err := store.CreateIterationCycle(ctx, session.ID, 4)
	if err != nil {
		t.Fatalf("创建周期失败: %v", err)
	}

	quality := 93.5
	if err := store.CompleteCycle(ctx, cycle.ID, &quality); err != nil {
		t.Fatalf("完成周期失败: %v", err)
	}

	active, err := store.GetActiveCycle(ctx, session.ID, 4)
	if err != nil {
		t.Fatalf("查询活跃周期失败: %v", err)
	}
	if active != nil {
		t.Fatal("完成后不应再有活跃周期")
	}

	cycles, _ := store.ListCycles(ctx, session.ID, 4)
	if len(cycles) != 1 {
		t.Fatalf("应有 1 个周期，实际 %d", len(cycles))
	}
	done := cycles[0]
	if done.Status != CycleCompleted || done.ActiveFlag != nil || done.CompletedAt == nil {
		t.Errorf("完成周期的状态字段不完整: %+v", done)
	}
	if done.QualityScore == nil || *done.QualityScore != 93.5 {
		t.Errorf("质量分应为 93.5，实际 %v", done.QualityScore)
	}
}

func TestCompletedCycleStats(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	qualities := []float64{90, 92, 96}
	for _, q := range qualities {
		cycle, err := store.CreateIterationCycle(ctx, session.ID, 5)
		if err != nil {
			t.Fatalf("创建周期失败: %v", err)
		}
		quality := q
		if err := store.CompleteCycle(ctx, cycle.ID, &quality); err != nil {
			t.Fatalf("完成周期失败: %v", err)
		}
	}

	stats, err := store.CompletedCycleStats(ctx, session.ID, 5)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.CompletedCount != 3 {
		t.Errorf("已完成周期数应为 3，实际 %d", stats.CompletedCount)
	}
	wantAvg := (90.0 + 92.0 + 96.0) / 3.0
	if stats.AverageQuality != wantAvg {
		t.Errorf("平均质量分应为 %v，实际 %v", wantAvg, stats.AverageQuality)
	}
	if stats.LatestIteration != 3 {
		t.Errorf("最新迭代号应为 3，实际 %d", stats.LatestIteration)
	}
}

func TestAppendCheckpointIdempotent(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	cycle, err := store.CreateIterationCycle(ctx, session.ID, 4)
	if err != nil {
		t.Fatalf("创建周期失败: %v", err)
	}

	key := "event-abc-1"
	quality := 91.0
	cp := func() *Checkpoint {
		return &Checkpoint{
			CycleID:           cycle.ID,
			SessionID:         session.ID,
			PhaseID:           4,
			CheckpointType:    "quality_snapshot",
			QualityAssessment: &quality,
			EventKey:          &key,
		}
	}

	if err := store.AppendCheckpoint(ctx, cp()); err != nil {
		t.Fatalf("首次追加检查点失败: %v", err)
	}
	// 同一事件重复投递应被静默去重
	if err := store.AppendCheckpoint(ctx, cp()); err != nil {
		t.Fatalf("重复投递应静默去重，实际 %v", err)
	}

	var count int64
	if err := store.DB().Model(&Checkpoint{}).Where("cycle_id = ?", cycle.ID).Count(&count).Error; err != nil {
		t.Fatalf("统计检查点失败: %v", err)
	}
	if count != 1 {
		t.Fatalf("应只有 1 条检查点，实际 %d", count)
	}

	got, err := store.LatestCheckpointQuality(ctx, cycle.ID)
	if err != nil || got == nil || *got != 91.0 {
		t.Fatalf("最近检查点质量分应为 91.0，实际 (%v, %v)", got, err)
	}
}

func TestLatestCheckpointQualityEmpty(t *testing.T) {
	store := setupStoreTestDB(t)
	got, err := store.LatestCheckpointQuality(context.Background(), "missing-cycle")
	if err != nil || got != nil {
		t.Fatalf("无检查点时应返回 (nil, nil)，实际 (%v, %v)", got, err)
	}
}

func TestUpsertDecisionIdempotent(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	d := &Decision{
		CycleID:       SystemCycleID,
		SessionID:     session.ID,
		PhaseID:       4,
		DecisionType:  DecisionPhaseAdvancement,
		Payload:       map[string]any{"next_phase": 5},
		AutoGenerated: true,
		Reasoning:     "iteration completion criteria met",
	}
	if err := store.UpsertDecision(ctx, d); err != nil {
		t.Fatalf("首次写入决策失败: %v", err)
	}

	// 同键重发覆盖旧行，不产生第二条记录
	again := &Decision{
		CycleID:       SystemCycleID,
		SessionID:     session.ID,
		PhaseID:       4,
		DecisionType:  DecisionPhaseAdvancement,
		Payload:       map[string]any{"next_phase": 5, "average_quality": 96.0},
		AutoGenerated: true,
		Reasoning:     "iteration completion criteria met",
	}
	if err := store.UpsertDecision(ctx, again); err != nil {
		t.Fatalf("重发决策应为幂等 upsert，实际 %v", err)
	}

	decisions, err := store.ListDecisions(ctx, session.ID)
	if err != nil {
		t.Fatalf("列出决策失败: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("同键决策应只有 1 条，实际 %d", len(decisions))
	}
	if _, ok := decisions[0].Payload["average_quality"]; !ok {
		t.Error("重发应覆盖 payload")
	}

	got, err := store.GetDecision(ctx, session.ID, 4, DecisionPhaseAdvancement)
	if err != nil || got == nil {
		t.Fatalf("按键查询决策失败: (%v, %v)", got, err)
	}
	if got.Reasoning != "iteration completion criteria met" {
		t.Errorf("决策理由不符: %q", got.Reasoning)
	}
}

func TestRecordToolActivity(t *testing.T) {
	store := setupStoreTestDB(t)
	ctx := context.Background()
	session := createTestSession(t, store)

	cycle, err := store.CreateIterationCycle(ctx, session.ID, 4)
	if err != nil {
		t.Fatalf("创建周期失败: %v", err)
	}

	ta := &ToolActivity{
		SessionID: session.ID,
		PhaseID:   4,
		CycleID:   cycle.ID,
		ToolName:  "编辑器",
		Note:      "迭代 1 进度更新",
		Params:    map[string]any{"file": "main.go"},
	}
	if err := store.RecordToolActivity(ctx, ta); err != nil {
		t.Fatalf("记录工具活动失败: %v", err)
	}

	items, err := store.ListToolActivity(ctx, cycle.ID)
	if err != nil {
		t.Fatalf("列出工具活动失败: %v", err)
	}
	if len(items) != 1 || items[0].Note != "迭代 1 进度更新" {
		t.Fatalf("工具活动记录不符: %+v", items)
	}
}
