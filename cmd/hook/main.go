// hook 是宿主工具调用的事件入口。
// 每次调用从 stdin 读取一个 JSON 事件，驱动迭代状态机后立即退出。
// 约定：任何结局都以退出码 0 结束，绝不影响宿主的工具调用流程。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"backend/internal/config"
	"backend/internal/event"
	"backend/internal/infra"
	"backend/internal/logger"
	"backend/internal/workflow"
	"backend/internal/workflow/iteration"

	"go.uber.org/zap"
)

func main() {
	// 日志默认静默：hook 的 stdout/stderr 属于宿主，不能被日志污染
	// 需要排查时设置 APP_HOOK_LOG 指向文件
	if logPath := os.Getenv("APP_HOOK_LOG"); logPath != "" {
		if err := logger.Init("debug", "json", logPath); err != nil {
			logger.InitNop()
		}
	} else {
		logger.InitNop()
	}
	defer logger.Sync()

	run(os.Getenv("APP_DATABASE_PATH"))

	// 退出码恒为 0
	os.Exit(0)
}

func run(dbPath string) {
	ev, err := event.Decode(os.Stdin)
	if err != nil {
		logger.Warn("事件解析失败", zap.Error(err))
		return
	}

	dbCfg := databaseConfig(dbPath)

	// 数据库文件不存在说明工作流从未在此环境启动过，无事可做
	db, err := infra.OpenExistingDatabase(dbCfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("数据库文件不存在，跳过处理", zap.String("path", dbCfg.Path))
		} else {
			logger.Warn("打开数据库失败", zap.Error(err))
		}
		return
	}
	defer func() {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
	}()

	store := workflow.NewStore(db)
	manager := iteration.NewManager(store, logger.Get())
	handler := event.NewHandler(store, manager, logger.Get())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := handler.Handle(ctx, ev)
	logger.Info("事件处理完成",
		zap.String("outcome", result.Kind.String()),
		zap.String("reason", result.Reason),
	)

	// 结果写到 stdout 供宿主日志采集，单行 JSON
	fmt.Printf("{\"outcome\":%q,\"reason\":%q}\n", result.Kind.String(), result.Reason)
}

// databaseConfig 从环境变量拼出数据库配置
// hook 运行在宿主环境，不依赖 config/*.yaml 文件存在
func databaseConfig(path string) *config.DatabaseConfig {
	if path == "" {
		path = "./data/ideaforge.db"
	}

	busyTimeout := 5000
	if raw := os.Getenv("APP_DATABASE_BUSY_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			busyTimeout = v
		}
	}

	return &config.DatabaseConfig{
		Path:          path,
		BusyTimeoutMS: busyTimeout,
		MaxOpenConns:  1,
	}
}
