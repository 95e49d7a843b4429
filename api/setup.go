package api

import (
	"backend/internal/artifact"
	"backend/internal/config"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	middlewarepkg "backend/internal/middleware"
	"backend/internal/worker"
	"backend/internal/workflow"
	"backend/internal/workflow/executor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 设置并返回 Gin 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server) {
	router := gin.New()

	// 初始化队列客户端
	queueClient := queue.NewClient(cfg.Redis)

	// 初始化存储与产出写入器
	store := workflow.NewStore(db)
	artifacts := artifact.NewWriter(cfg.Workspace.BasePath)

	// 初始化 Agent 执行器（生产走 OpenAI，开发/测试走确定性模拟）
	var agentExec executor.AgentExecutor
	if cfg.Agents.Executor == "openai" {
		agentExec = executor.NewOpenAIAgentExecutor(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	} else {
		agentExec = executor.NewSimulatedAgentExecutor(cfg.Agents.SimulationSeed)
	}

	// 初始化工作流编排器
	orchestrator := executor.NewOrchestrator(store, agentExec, logger.Get(),
		executor.WithQueue(queueClient),
		executor.WithArtifactWriter(artifacts),
		executor.WithAgentRetries(cfg.Agents.MaxRetries),
	)

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(MetricsMiddleware())

	// 公开端点（不需要认证）
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 初始化 Handlers
	workflowHandler := NewWorkflowHandler(store, orchestrator)

	// 路由注册器，方便同时挂载 /api 与 /api/v1
	registerAPIRoutes := func(apiGroup *gin.RouterGroup) {
		workflows := apiGroup.Group("/workflows")
		{
			workflows.POST("", workflowHandler.Submit)
			workflows.GET("/:id", workflowHandler.GetSession)
			workflows.GET("/:id/phases", workflowHandler.ListPhaseResults)
			workflows.GET("/:id/cycles", workflowHandler.ListCycles)
			workflows.GET("/:id/decisions", workflowHandler.ListDecisions)
		}
	}

	// 主 API 组（向后兼容）
	api := router.Group("/api")
	registerAPIRoutes(api)

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	registerAPIRoutes(apiV1)

	// 初始化 Worker 服务器（与 HTTP 服务共用一个编排器实例）
	workerServer := worker.NewServer(cfg, orchestrator, logger.Get())

	return router, workerServer
}

// HealthCheck 健康检查
func HealthCheck(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "IdeaForge",
		})
	}
}

// ReadinessCheck 就绪检查
func ReadinessCheck(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil {
			c.JSON(503, gin.H{
				"status": "not_ready",
				"reason": "database connection error",
			})
			return
		}

		if err := sqlDB.Ping(); err != nil {
			c.JSON(503, gin.H{
				"status": "not_ready",
				"reason": "database ping failed",
			})
			return
		}

		c.JSON(200, gin.H{
			"status":   "ready",
			"database": "connected",
		})
	}
}
