package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueRunWorkflow(payload tasks.RunWorkflowPayload) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) EnqueueRunWorkflow(payload tasks.RunWorkflowPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeRunWorkflow, data)

	// 编排器内部对 Agent 失败自带重试，队列层不重试，避免重复跑阶段
	if _, err := c.client.Enqueue(task,
		asynq.MaxRetry(0),
		asynq.Timeout(90*time.Minute),
		asynq.Queue("workflow"),
	); err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}

	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
