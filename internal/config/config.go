package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig SQLite 数据库配置
// 所有跨调用状态都落在这一个库文件上，hook 与 server 共享
type DatabaseConfig struct {
	Path            string `mapstructure:"path"`              // 数据库文件路径
	BusyTimeoutMS   int    `mapstructure:"busy_timeout_ms"`   // SQLite busy_timeout
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置（仅供 asynq 任务队列使用）
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// OpenAIConfig OpenAI 配置（生产 Agent 执行器）
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// AgentsConfig Agent 执行器配置
type AgentsConfig struct {
	// Executor 执行器类型: openai（真实调用）或 simulated（确定性模拟）
	Executor string `mapstructure:"executor"`
	// SimulationSeed 模拟执行器的随机种子，相同种子产生相同评分序列
	SimulationSeed int64 `mapstructure:"simulation_seed"`
	// MaxRetries 单个 Agent 执行失败后的重试次数，默认 0（不重试）
	MaxRetries int `mapstructure:"max_retries"`
}

// WorkspaceConfig 产出文件配置
type WorkspaceConfig struct {
	BasePath string `mapstructure:"base_path"` // 报告与会话快照根目录
}

// WorkerConfig 任务 Worker 配置
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // APP_DATABASE_PATH 等

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/ideaforge.db"
	}
	if cfg.Database.BusyTimeoutMS <= 0 {
		cfg.Database.BusyTimeoutMS = 5000
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 1
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 10
	}
	if cfg.Agents.Executor == "" {
		cfg.Agents.Executor = "simulated"
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o"
	}
	if cfg.Workspace.BasePath == "" {
		cfg.Workspace.BasePath = "./workspace"
	}
}

// GetDSN 获取 SQLite 连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", c.Path, c.BusyTimeoutMS)
}
