package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 PulsePress 在启动阶段需要加载的核心配置。
type Config struct {
	Logger     LoggerConfig     `json:"logger"`
	Wallet     WalletConfig     `json:"wallet"`
	Queue      QueueConfig      `json:"queue"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Publish    PublishConfig    `json:"publish"`
	Approval   ApprovalConfig   `json:"approval"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Strategies []StrategyConfig `json:"strategies"`
}

// LoggerConfig 控制日志等级与审计日志落盘位置。
type LoggerConfig struct {
	Level     string `json:"level"`
	AuditDir  string `json:"audit_dir"`
	AuditFile string `json:"audit_file"`
}

// WalletConfig 描述链上结算所需的节点与代币信息。
// 私钥不写进配置文件，只通过 PrivateKeyEnv 指定的环境变量注入。
type WalletConfig struct {
	RPCURL               string `json:"rpc_url"`
	Chain                string `json:"chain"`
	ChainID              int64  `json:"chain_id"`
	TokenAddress         string `json:"token_address"`
	TokenDecimals        int    `json:"token_decimals"`
	MaxBudget            string `json:"max_budget"`
	SettleTimeoutSeconds int    `json:"settle_timeout_seconds"`
	PrivateKeyEnv        string `json:"private_key_env"`
	PaymentLogPath       string `json:"payment_log_path"`
}

// QueueConfig 选择队列条目的持久化后端。
type QueueConfig struct {
	Driver   string `json:"driver"`
	Path     string `json:"path"`
	DSN      string `json:"dsn"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DispatchConfig 选择条目派发方式。
type DispatchConfig struct {
	Driver  string `json:"driver"`
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Workers int    `json:"workers"`
}

// PublishConfig 控制发布重试与各渠道的启用状态。
type PublishConfig struct {
	MaxRetries         int                       `json:"max_retries"`
	RetryDelaysMinutes []int                     `json:"retry_delays_minutes"`
	Platforms          map[string]PlatformConfig `json:"platforms"`
}

// PlatformConfig 描述单个渠道的发布设置。
type PlatformConfig struct {
	Enabled     bool `json:"enabled"`
	AutoPublish bool `json:"auto_publish"`
}

// ApprovalConfig 控制人工审批的等待与消息通道。
type ApprovalConfig struct {
	TimeoutSeconds      int      `json:"timeout_seconds"`
	PollIntervalSeconds int      `json:"poll_interval_seconds"`
	ApproveKeywords     []string `json:"approve_keywords"`
	RejectKeywords      []string `json:"reject_keywords"`
	OutboxPath          string   `json:"outbox_path"`
	InboxPath           string   `json:"inbox_path"`
}

// ScheduleConfig 控制每周时刻表与发布历史。
type ScheduleConfig struct {
	TimetablePath  string `json:"timetable_path"`
	HistoryPath    string `json:"history_path"`
	HistoryMaxSize int    `json:"history_max_size"`
}

// StrategyConfig 描述一个内容策略。static 类型使用 Contents 中的
// 固定文案，remote 类型调用计费接口生成内容。
type StrategyConfig struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Contents  map[string]string `json:"contents"`
	ImageRef  string            `json:"image_ref"`
	Endpoint  string            `json:"endpoint"`
	Platforms []string          `json:"platforms"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.AuditDir == "" {
		c.Logger.AuditDir = filepath.Join(baseDir, "logs")
	} else if !filepath.IsAbs(c.Logger.AuditDir) {
		c.Logger.AuditDir = filepath.Join(baseDir, c.Logger.AuditDir)
	}
	if c.Logger.AuditFile == "" {
		c.Logger.AuditFile = "audit.log"
	}

	if c.Wallet.TokenDecimals <= 0 {
		c.Wallet.TokenDecimals = 6
	}
	if c.Wallet.MaxBudget == "" {
		c.Wallet.MaxBudget = "0"
	}
	if c.Wallet.SettleTimeoutSeconds <= 0 {
		c.Wallet.SettleTimeoutSeconds = 120
	}
	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = "PULSEPRESS_WALLET_KEY"
	}
	if c.Wallet.PaymentLogPath != "" && !filepath.IsAbs(c.Wallet.PaymentLogPath) {
		c.Wallet.PaymentLogPath = filepath.Join(baseDir, c.Wallet.PaymentLogPath)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Driver == "file" {
		if c.Queue.Path == "" {
			c.Queue.Path = filepath.Join(baseDir, "data", "queue.json")
		} else if !filepath.IsAbs(c.Queue.Path) {
			c.Queue.Path = filepath.Join(baseDir, c.Queue.Path)
		}
	}

	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "memory"
	}
	if c.Dispatch.Queue == "" {
		c.Dispatch.Queue = "pulsepress.items"
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 2
	}

	if c.Publish.MaxRetries <= 0 {
		c.Publish.MaxRetries = 3
	}
	if len(c.Publish.RetryDelaysMinutes) == 0 {
		c.Publish.RetryDelaysMinutes = []int{5, 15, 30, 60}
	}

	if c.Approval.TimeoutSeconds <= 0 {
		c.Approval.TimeoutSeconds = 300
	}
	if c.Approval.PollIntervalSeconds <= 0 {
		c.Approval.PollIntervalSeconds = 5
	}
	if c.Approval.OutboxPath != "" && !filepath.IsAbs(c.Approval.OutboxPath) {
		c.Approval.OutboxPath = filepath.Join(baseDir, c.Approval.OutboxPath)
	}
	if c.Approval.InboxPath != "" && !filepath.IsAbs(c.Approval.InboxPath) {
		c.Approval.InboxPath = filepath.Join(baseDir, c.Approval.InboxPath)
	}

	if c.Schedule.TimetablePath != "" && !filepath.IsAbs(c.Schedule.TimetablePath) {
		c.Schedule.TimetablePath = filepath.Join(baseDir, c.Schedule.TimetablePath)
	}
	if c.Schedule.HistoryPath != "" && !filepath.IsAbs(c.Schedule.HistoryPath) {
		c.Schedule.HistoryPath = filepath.Join(baseDir, c.Schedule.HistoryPath)
	}
	if c.Schedule.HistoryMaxSize <= 0 {
		c.Schedule.HistoryMaxSize = 100
	}
}
