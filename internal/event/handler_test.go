package event

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"backend/internal/workflow"
	"backend/internal/workflow/iteration"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupHandlerTest(t *testing.T) (*Handler, *workflow.Store, string) {
	t.Helper()
	dsn := fmt.Sprintf("file:event_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("初始化 sqlite 失败: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取 SQL DB 失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store := workflow.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	session, err := store.CreateSession(context.Background(), "测试创意")
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	manager := iteration.NewManager(store, zap.NewNop())
	return NewHandler(store, manager, zap.NewNop()), store, session.ID
}

func TestDecodeEvent(t *testing.T) {
	input := `{
		"session_id": "sess-1",
		"tool": {"name": "editor", "parameters": {"file": "main.go"}},
		"prompt": "iterate on phase 4",
		"cwd": "/work"
	}`
	ev, err := Decode(strings.NewReader(input))
	if err != nil {
		t.Fatalf("解析事件失败: %v", err)
	}
	if ev.SessionID != "sess-1" || ev.Tool.Name != "editor" || ev.CWD != "/work" {
		t.Fatalf("事件字段不符: %+v", ev)
	}
	if ev.Tool.Parameters["file"] != "main.go" {
		t.Errorf("工具参数不符: %v", ev.Tool.Parameters)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	if _, err := Decode(strings.NewReader("not json")); err == nil {
		t.Fatal("非法 JSON 应返回错误")
	}
}

func TestHandleMissingSessionIsNoop(t *testing.T) {
	h, _, _ := setupHandlerTest(t)

	result := h.Handle(context.Background(), &InboundEvent{Prompt: "iterate on phase 4"})
	if result.Kind != NoOp {
		t.Fatalf("缺少会话 ID 应为 NoOp，实际 %s", result.Kind)
	}
}

func TestHandleUnclassifiablePromptIsNoop(t *testing.T) {
	h, _, sessionID := setupHandlerTest(t)

	result := h.Handle(context.Background(), &InboundEvent{
		SessionID: sessionID,
		Prompt:    "what time is it",
	})
	if result.Kind != NoOp {
		t.Fatalf("无法分类的输入应为 NoOp，实际 %s", result.Kind)
	}
}

func TestHandlePartialContextIsNoop(t *testing.T) {
	h, store, sessionID := setupHandlerTest(t)

	// 有动作无阶段
	result := h.Handle(context.Background(), &InboundEvent{
		SessionID: sessionID,
		Prompt:    "please iterate once more",
	})
	if result.Kind != NoOp {
		t.Fatalf("阶段缺失应为 NoOp，实际 %s", result.Kind)
	}

	var count int64
	store.DB().Model(&workflow.IterationCycle{}).Count(&count)
	if count != 0 {
		t.Fatalf("NoOp 不应改动任何状态，实际有 %d 个周期", count)
	}
}

func TestHandleAppliedCreatesCycle(t *testing.T) {
	h, store, sessionID := setupHandlerTest(t)
	ctx := context.Background()

	result := h.Handle(ctx, &InboundEvent{
		SessionID: sessionID,
		Tool:      ToolCall{Name: "editor"},
		Prompt:    "yes, please iterate on phase 4 iteration 2",
	})
	if result.Kind != Applied {
		t.Fatalf("可处理事件应为 Applied，实际 %s (%s)", result.Kind, result.Reason)
	}

	active, err := store.GetActiveCycle(ctx, sessionID, 4)
	if err != nil || active == nil {
		t.Fatalf("应创建活跃周期: (%v, %v)", active, err)
	}
}

func TestHandleCompletionWithoutCycleIsNoop(t *testing.T) {
	h, _, sessionID := setupHandlerTest(t)

	result := h.Handle(context.Background(), &InboundEvent{
		SessionID: sessionID,
		Prompt:    "phase 4 is done",
	})
	if result.Kind != NoOp {
		t.Fatalf("NoCycle 状态下的完成请求应为 NoOp，实际 %s", result.Kind)
	}
}

func TestHandleInternalErrorIsSwallowed(t *testing.T) {
	h, store, sessionID := setupHandlerTest(t)
	ctx := context.Background()

	// 人为破坏表结构，迫使状态机写入失败
	if err := store.DB().Exec("DROP TABLE iteration_cycles").Error; err != nil {
		t.Fatalf("删除表失败: %v", err)
	}

	result := h.Handle(ctx, &InboundEvent{
		SessionID: sessionID,
		Tool:      ToolCall{Name: "editor"},
		Prompt:    "iterate on phase 4",
	})
	if result.Kind != InternalError {
		t.Fatalf("内部错误应被吞掉并归类为 InternalError，实际 %s", result.Kind)
	}
	if result.Reason == "" {
		t.Error("内部错误应携带原因")
	}

	// 错误应尽力落一条告警
	var alerts []workflow.QualityAlert
	if err := store.DB().Where("session_id = ? AND alert_type = ?", sessionID, workflow.AlertInternalError).
		Find(&alerts).Error; err != nil {
		t.Fatalf("查询告警失败: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("应有 1 条内部错误告警，实际 %d", len(alerts))
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		NoOp:          "noop",
		Applied:       "applied",
		InternalError: "internal_error",
		Kind(99):      "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() 应为 %s，实际 %s", kind, want, got)
		}
	}
}
