package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"PulsePress/internal/agent"
	"PulsePress/internal/approval"
	"PulsePress/internal/config"
	"PulsePress/internal/orchestrator"
	"PulsePress/internal/payment"
	"PulsePress/internal/publish"
	"PulsePress/internal/queue"
	"PulsePress/internal/schedule"
	"PulsePress/internal/wallet"
	"PulsePress/internal/wallet/ethereum"
	"PulsePress/pkg/logger"
)

// main 是 PulsePress 守护进程的入口。
func main() {
	// .env 用于本地开发时注入钱包私钥等敏感变量，文件缺失不报错。
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pulsepressd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PULSEPRESS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "pulsepress.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level: cfg.Logger.Level,
		Audit: logger.AuditConfig{
			Enabled: true,
			Path:    filepath.Join(cfg.Logger.AuditDir, cfg.Logger.AuditFile),
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 链上结算客户端。私钥缺失时进程仍可启动，付费接口调用会
	// 在提交交易时报错。
	var settler payment.Settler
	var balances wallet.BalanceReader
	walletAddress := ""
	if cfg.Wallet.RPCURL != "" {
		ethClient, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:          cfg.Wallet.Chain,
			RPCURL:        cfg.Wallet.RPCURL,
			ChainID:       cfg.Wallet.ChainID,
			TokenAddress:  cfg.Wallet.TokenAddress,
			PrivateKeyHex: os.Getenv(cfg.Wallet.PrivateKeyEnv),
		})
		if err != nil {
			return err
		}
		defer ethClient.Close()
		settler = ethClient
		balances = ethClient
		if addr, err := ethClient.Address(); err == nil {
			walletAddress = addr
		}
	}

	ledgerOpts := []wallet.LedgerOption{}
	if balances != nil {
		ledgerOpts = append(ledgerOpts, wallet.WithBalanceReader(balances))
	}
	// 队列使用 MySQL 时，支付记录也落在同一个库里，便于统一审计查询。
	if cfg.Queue.Driver == "mysql" && cfg.Queue.DSN != "" {
		paymentLog, err := wallet.NewMySQLPaymentLog(cfg.Queue.DSN)
		if err != nil {
			return err
		}
		defer paymentLog.Close()
		ledgerOpts = append(ledgerOpts, wallet.WithPaymentSink(paymentLog))
	} else if cfg.Wallet.PaymentLogPath != "" {
		paymentLog, err := wallet.NewFilePaymentLog(cfg.Wallet.PaymentLogPath)
		if err != nil {
			return err
		}
		defer paymentLog.Close()
		ledgerOpts = append(ledgerOpts, wallet.WithPaymentSink(paymentLog))
	}
	ledger, err := wallet.NewLedger(walletAddress, cfg.Wallet.MaxBudget, cfg.Wallet.TokenDecimals, ledgerOpts...)
	if err != nil {
		return err
	}

	var paymentClient *payment.Client
	if settler != nil {
		paymentClient, err = payment.NewClient(settler, ledger,
			payment.WithSettleTimeout(time.Duration(cfg.Wallet.SettleTimeoutSeconds)*time.Second))
		if err != nil {
			return err
		}
	}

	// 队列条目存储。
	var store queue.Store
	switch cfg.Queue.Driver {
	case "", "memory":
		store = queue.NewMemoryStore()
	case "file":
		store, err = queue.NewFileStore(cfg.Queue.Path)
		if err != nil {
			return err
		}
	case "mysql":
		store, err = queue.NewMySQLStore(cfg.Queue.DSN)
		if err != nil {
			return err
		}
	case "redis":
		store, err = queue.NewRedisStore(queue.RedisStoreConfig{
			Address:  cfg.Queue.Addr,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L().Error("关闭队列存储失败", slog.Any("error", err))
		}
	}()

	// 条目派发。
	var dispatch queue.Dispatch
	switch cfg.Dispatch.Driver {
	case "", "memory":
		dispatch = queue.NewMemoryQueue(1024)
	case "rabbitmq":
		dispatch, err = queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:     cfg.Dispatch.URL,
			Queue:   cfg.Dispatch.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的派发驱动: %s", cfg.Dispatch.Driver)
	}
	defer func() {
		if err := dispatch.Close(); err != nil {
			logger.L().Error("关闭派发队列失败", slog.Any("error", err))
		}
	}()

	// 审批门。未配置消息通道时人工条目会直接失败。
	var gate approval.Gate
	if cfg.Approval.OutboxPath != "" && cfg.Approval.InboxPath != "" {
		messenger, err := approval.NewFileMessenger(cfg.Approval.OutboxPath, cfg.Approval.InboxPath)
		if err != nil {
			return err
		}
		keywords := approval.DefaultKeywords()
		if len(cfg.Approval.ApproveKeywords) > 0 {
			keywords.Approve = cfg.Approval.ApproveKeywords
		}
		if len(cfg.Approval.RejectKeywords) > 0 {
			keywords.Reject = cfg.Approval.RejectKeywords
		}
		gate, err = approval.NewPollingGate(messenger, approval.PollingGateConfig{
			Timeout:      time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
			PollInterval: time.Duration(cfg.Approval.PollIntervalSeconds) * time.Second,
			Keywords:     keywords,
		})
		if err != nil {
			return err
		}
	}

	history, err := queue.NewHistory(cfg.Schedule.HistoryMaxSize, cfg.Schedule.HistoryPath)
	if err != nil {
		return err
	}

	strategies := agent.NewRegistry()
	for _, sc := range cfg.Strategies {
		strategy, err := buildStrategy(sc, paymentClient)
		if err != nil {
			return err
		}
		if err := strategies.Register(strategy); err != nil {
			return err
		}
	}

	publishers := publish.NewRegistry()
	registerPublishers(publishers)

	orchCfg := orchestrator.Config{
		MaxRetries:  cfg.Publish.MaxRetries,
		RetryDelays: retryDelays(cfg.Publish.RetryDelaysMinutes),
		Platforms:   platformSettings(cfg.Publish.Platforms),
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithHistory(history),
		orchestrator.WithProducer(dispatch),
	}
	if gate != nil {
		orchOpts = append(orchOpts, orchestrator.WithGate(gate))
	}
	orch, err := orchestrator.New(store, publishers, strategies, orchCfg, orchOpts...)
	if err != nil {
		return err
	}

	go func() {
		if err := dispatch.Consume(ctx, cfg.Dispatch.Workers, orch.HandleDispatch); err != nil && ctx.Err() == nil {
			logger.L().Error("派发消费循环退出", slog.Any("error", err))
		}
	}()

	// 上次运行遗留的未终结条目在调度恢复前先接管。
	if recovered, err := orch.Recover(ctx); err != nil {
		logger.L().Warn("启动恢复失败", slog.Any("error", err))
	} else if recovered > 0 {
		logger.L().Info("启动恢复完成", slog.Int("items", recovered))
	}

	var timetable *schedule.Timetable
	if cfg.Schedule.TimetablePath != "" {
		timetable, err = schedule.LoadTimetable(cfg.Schedule.TimetablePath)
		if err != nil {
			return err
		}
	}
	scheduler, err := schedule.New(orch, store, timetable)
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}

	logger.L().Info("pulsepressd 已启动",
		slog.String("store", cfg.Queue.Driver),
		slog.String("dispatch", cfg.Dispatch.Driver),
		slog.Int("strategies", len(cfg.Strategies)),
	)

	<-ctx.Done()
	logger.L().Info("收到退出信号，开始关停")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.L().Error("调度器关停异常", slog.Any("error", err))
	}
	return nil
}

// buildStrategy 按配置类型构造内容策略。
func buildStrategy(sc config.StrategyConfig, paymentClient *payment.Client) (agent.Strategy, error) {
	switch sc.Type {
	case "", "static":
		contents := make(map[publish.Platform]string, len(sc.Contents))
		for name, text := range sc.Contents {
			platform := publish.Platform(name)
			if !publish.IsValidPlatform(platform) {
				return nil, fmt.Errorf("策略 %s 引用了未知渠道 %s", sc.Name, name)
			}
			contents[platform] = text
		}
		return agent.NewStaticStrategy(sc.Name, contents, sc.ImageRef), nil
	case "remote":
		if paymentClient == nil {
			return nil, fmt.Errorf("策略 %s 需要付费接口客户端，请配置 wallet", sc.Name)
		}
		platforms := make([]publish.Platform, 0, len(sc.Platforms))
		for _, name := range sc.Platforms {
			platform := publish.Platform(name)
			if !publish.IsValidPlatform(platform) {
				return nil, fmt.Errorf("策略 %s 引用了未知渠道 %s", sc.Name, name)
			}
			platforms = append(platforms, platform)
		}
		return agent.NewRemoteStrategy(sc.Name, sc.Endpoint, paymentClient, platforms)
	default:
		return nil, fmt.Errorf("未知的策略类型: %s", sc.Type)
	}
}

// registerPublishers 注册各渠道的发布实现。真实的渠道适配器按需
// 接入，这里默认注册记录型实现，把发布内容写入审计日志。
func registerPublishers(registry *publish.Registry) {
	for _, platform := range publish.AllPlatforms() {
		platform := platform
		_ = registry.Register(publish.Func{
			Name: platform,
			Fn: func(ctx context.Context, content publish.Content) publish.Result {
				logger.Audit().Info("内容已投递",
					slog.String("platform", string(platform)),
					slog.Int("length", len(content.Text)),
				)
				return publish.Result{Success: true, Message: "logged"}
			},
		})
	}
}

func retryDelays(minutes []int) []time.Duration {
	delays := make([]time.Duration, 0, len(minutes))
	for _, m := range minutes {
		delays = append(delays, time.Duration(m)*time.Minute)
	}
	return delays
}

func platformSettings(platforms map[string]config.PlatformConfig) map[publish.Platform]orchestrator.PlatformSetting {
	settings := make(map[publish.Platform]orchestrator.PlatformSetting, len(platforms))
	for name, pc := range platforms {
		settings[publish.Platform(name)] = orchestrator.PlatformSetting{
			Enabled:     pc.Enabled,
			AutoPublish: pc.AutoPublish,
		}
	}
	return settings
}
