package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend/internal/worker/tasks"
	"backend/internal/workflow"
	"backend/internal/workflow/executor"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeQueueClient struct {
	enqueueErr  error
	lastPayload tasks.RunWorkflowPayload
}

func (f *fakeQueueClient) EnqueueRunWorkflow(payload tasks.RunWorkflowPayload) error {
	f.lastPayload = payload
	return f.enqueueErr
}

func (f *fakeQueueClient) Close() error { return nil }

func setupHandlerTest(t *testing.T) (*gin.Engine, *workflow.Store, *fakeQueueClient) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:api_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "初始化 sqlite 失败")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := workflow.NewStore(db)
	require.NoError(t, store.Migrate(), "迁移 schema 失败")

	queueClient := &fakeQueueClient{}
	orchestrator := executor.NewOrchestrator(
		store,
		executor.NewSimulatedAgentExecutor(42),
		zap.NewNop(),
		executor.WithQueue(queueClient),
	)
	handler := NewWorkflowHandler(store, orchestrator)

	router := gin.New()
	apiV1 := router.Group("/api/v1")
	workflows := apiV1.Group("/workflows")
	{
		workflows.POST("", handler.Submit)
		workflows.GET("/:id", handler.GetSession)
		workflows.GET("/:id/phases", handler.ListPhaseResults)
		workflows.GET("/:id/cycles", handler.ListCycles)
		workflows.GET("/:id/decisions", handler.ListDecisions)
	}

	return router, store, queueClient
}

func doRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitWorkflowHTTP(t *testing.T) {
	router, _, queueClient := setupHandlerTest(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/workflows", map[string]string{"idea": "一个创意"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Data.ID)
	assert.Equal(t, workflow.SessionInProgress, resp.Data.Status)

	// 会话应已入队执行
	assert.Equal(t, resp.Data.ID, queueClient.lastPayload.SessionID)
}

func TestSubmitWorkflowMissingIdea(t *testing.T) {
	router, _, _ := setupHandlerTest(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/workflows", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	router, _, _ := setupHandlerTest(t)

	rec := doRequest(router, http.MethodGet, "/api/v1/workflows/missing-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionOK(t *testing.T) {
	router, store, _ := setupHandlerTest(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/workflows", map[string]string{"idea": "一个创意"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doRequest(router, http.MethodGet, "/api/v1/workflows/"+created.Data.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := store.GetSession(context.Background(), created.Data.ID)
	assert.NoError(t, err)
}

func TestListCyclesInvalidPhase(t *testing.T) {
	router, _, _ := setupHandlerTest(t)

	rec := doRequest(router, http.MethodGet, "/api/v1/workflows/sess-1/cycles?phase=2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "非迭代阶段应被拒绝")

	rec = doRequest(router, http.MethodGet, "/api/v1/workflows/sess-1/cycles?phase=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "非数字阶段应被拒绝")
}

func TestListDecisionsEmpty(t *testing.T) {
	router, _, _ := setupHandlerTest(t)

	rec := doRequest(router, http.MethodGet, "/api/v1/workflows/sess-1/decisions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Data)
}
