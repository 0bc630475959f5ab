package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"PulsePress/internal/agent"
	"PulsePress/internal/approval"
	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/publish"
	"PulsePress/internal/queue"
	"PulsePress/pkg/logger"
)

// PlatformSetting 描述单个渠道的启用与自动发布配置。
type PlatformSetting struct {
	Enabled     bool
	AutoPublish bool
}

// Config 汇总编排器的发布策略参数。
type Config struct {
	MaxRetries  int
	RetryDelays []time.Duration
	Platforms   map[publish.Platform]PlatformSetting
}

// Orchestrator 独占队列存储与发布流程：把策略产出转成队列条目，
// 驱动审批与逐渠道发布，并记录结果。
type Orchestrator struct {
	store      queue.Store
	publishers *publish.Registry
	strategies *agent.Registry
	gate       approval.Gate
	history    *queue.History
	producer   queue.Producer
	cfg        Config
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithGate 配置人工审批门。未配置时人工条目直接失败。
func WithGate(gate approval.Gate) Option {
	return func(o *Orchestrator) {
		o.gate = gate
	}
}

// WithHistory 配置发布审计日志。
func WithHistory(history *queue.History) Option {
	return func(o *Orchestrator) {
		o.history = history
	}
}

// WithProducer 配置派发队列。未配置时条目在当前协程内处理。
func WithProducer(producer queue.Producer) Option {
	return func(o *Orchestrator) {
		o.producer = producer
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 构造 Orchestrator。
func New(store queue.Store, publishers *publish.Registry, strategies *agent.Registry, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "队列存储不能为空")
	}
	if publishers == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "发布注册表不能为空")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{
			5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute,
		}
	}
	o := &Orchestrator{
		store:      store,
		publishers: publishers,
		strategies: strategies,
		cfg:        cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("orchestrator")
	}
	return o, nil
}

// Trigger 手动或由调度器执行一次策略，并把产出入队。
func (o *Orchestrator) Trigger(ctx context.Context, strategyName string) ([]*queue.Item, error) {
	if o.strategies == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置策略注册表")
	}
	strategy, ok := o.strategies.Lookup(strategyName)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "策略不存在",
			xerrors.WithMetadata("strategy", strategyName))
	}
	output, err := strategy.Generate(ctx)
	if err != nil {
		return nil, xerrors.Wrap(agent.CodeStrategyFailed, err, "策略执行失败",
			xerrors.WithMetadata("strategy", strategyName))
	}
	if output == nil || len(output.Contents) == 0 {
		o.logger.Info("策略未产出内容", slog.String("strategy", strategyName))
		return nil, nil
	}
	return o.Enqueue(ctx, strategyName, output)
}

// Enqueue 把策略产出按自动/人工分组入队，每个非空分组一条。
// 单次触发最多产生两条条目。
func (o *Orchestrator) Enqueue(ctx context.Context, strategyName string, output *agent.Output) ([]*queue.Item, error) {
	autoContents := make(map[publish.Platform]string)
	manualContents := make(map[publish.Platform]string)
	for platform, text := range output.Contents {
		setting, ok := o.cfg.Platforms[platform]
		if !ok || !setting.Enabled {
			continue
		}
		if setting.AutoPublish {
			autoContents[platform] = text
		} else {
			manualContents[platform] = text
		}
	}

	var items []*queue.Item
	for _, group := range []struct {
		contents map[publish.Platform]string
		auto     bool
	}{
		{autoContents, true},
		{manualContents, false},
	} {
		if len(group.contents) == 0 {
			continue
		}
		item := &queue.Item{
			ID:          uuid.NewString(),
			Strategy:    strategyName,
			Contents:    group.contents,
			ImageRef:    output.ImageRef,
			Targets:     sortedPlatforms(group.contents),
			AutoPublish: group.auto,
			Status:      queue.StatusPending,
			Results:     map[publish.Platform]publish.Result{},
		}
		if !group.auto {
			item.Status = queue.StatusAwaitingApproval
		}
		if err := o.store.Create(ctx, item); err != nil {
			return items, xerrors.Wrap(xerrors.CodeStorageFailure, err, "队列条目入库失败",
				xerrors.WithMetadata("strategy", strategyName))
		}
		logger.Audit().Info("队列条目已创建",
			slog.String("item_id", item.ID),
			slog.String("strategy", strategyName),
			slog.String("status", string(item.Status)),
			slog.Int("targets", len(item.Targets)),
		)
		items = append(items, item)
		o.dispatch(ctx, item.ID)
	}
	return items, nil
}

// dispatch 把条目交给派发队列；没有队列时就地处理。
func (o *Orchestrator) dispatch(ctx context.Context, itemID string) {
	if o.producer != nil {
		if err := o.producer.Publish(ctx, itemID); err != nil {
			o.logger.Error("条目派发失败", slog.Any("error", err), slog.String("item_id", itemID))
		}
		return
	}
	if err := o.Process(ctx, itemID); err != nil {
		o.logger.Error("条目处理失败", slog.Any("error", err), slog.String("item_id", itemID))
	}
}

// HandleDispatch 供派发队列消费端使用。
func (o *Orchestrator) HandleDispatch(ctx context.Context, itemID string) error {
	return o.Process(ctx, itemID)
}

// Process 驱动单个条目走完发布状态机。
func (o *Orchestrator) Process(ctx context.Context, itemID string) error {
	item, err := o.store.Get(ctx, itemID)
	if err != nil {
		if xerrors.CodeOf(err) == queue.CodeItemNotFound {
			o.logger.Debug("条目不存在，跳过", slog.String("item_id", itemID))
			return nil
		}
		return err
	}

	switch item.Status {
	case queue.StatusPending:
		// 无需审批，直接发布。
	case queue.StatusAwaitingApproval:
		done, err := o.awaitApproval(ctx, item)
		if err != nil || done {
			return err
		}
	default:
		o.logger.Debug("条目状态无需处理",
			slog.String("item_id", itemID), slog.String("status", string(item.Status)))
		return nil
	}

	item.Status = queue.StatusPublishing
	if err := o.store.Update(ctx, item); err != nil {
		return err
	}

	results := o.attempt(ctx, item)
	return o.finalize(ctx, item, results)
}

// awaitApproval 阻塞等待操作员表态。返回 done=true 表示条目已
// 终结（拒绝或超时），不再发布。
func (o *Orchestrator) awaitApproval(ctx context.Context, item *queue.Item) (bool, error) {
	if o.gate == nil {
		item.Status = queue.StatusFailed
		item.LastError = "未配置审批渠道"
		return true, o.store.Update(ctx, item)
	}
	decision, err := o.gate.RequestApproval(ctx, buildPreview(item))
	if err != nil {
		o.logger.Warn("审批流程异常",
			slog.Any("error", err), slog.String("item_id", item.ID))
	}
	if decision != approval.DecisionApproved {
		item.Status = queue.StatusFailed
		item.LastError = "审批未通过: " + string(decision)
		logger.Audit().Info("条目审批未通过",
			slog.String("item_id", item.ID),
			slog.String("strategy", item.Strategy),
			slog.String("decision", string(decision)),
		)
		return true, o.store.Update(ctx, item)
	}
	return false, nil
}

// attempt 对每个目标渠道独立尝试一次发布。单渠道失败不阻断
// 其余渠道，每个渠道的结果都会被记录。
func (o *Orchestrator) attempt(ctx context.Context, item *queue.Item) map[publish.Platform]publish.Result {
	results := make(map[publish.Platform]publish.Result, len(item.Targets))
	for _, platform := range item.Targets {
		content := publish.Content{Text: item.Contents[platform], ImageRef: item.ImageRef}
		result := o.publishOne(ctx, platform, content)
		results[platform] = result
		if result.Success {
			o.logger.Info("渠道发布成功",
				slog.String("item_id", item.ID), slog.String("platform", string(platform)))
		} else {
			o.logger.Warn("渠道发布失败",
				slog.String("item_id", item.ID),
				slog.String("platform", string(platform)),
				slog.String("message", result.Message))
		}
	}
	return results
}

// publishOne 调用单个渠道实现并兜底捕获 panic。
func (o *Orchestrator) publishOne(ctx context.Context, platform publish.Platform, content publish.Content) (result publish.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = publish.Result{Success: false, Message: fmt.Sprintf("publisher panic: %v", r)}
		}
	}()
	publisher, ok := o.publishers.Lookup(platform)
	if !ok {
		return publish.Result{Success: false, Message: "渠道未注册"}
	}
	return publisher.Publish(ctx, content)
}

// finalize 根据逐渠道结果推进状态机并记录审计。
func (o *Orchestrator) finalize(ctx context.Context, item *queue.Item, results map[publish.Platform]publish.Result) error {
	now := time.Now()
	succeeded, failed := 0, 0
	var firstFailure string
	for _, platform := range item.Targets {
		result := results[platform]
		if result.Success {
			succeeded++
		} else {
			failed++
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("%s: %s", platform, result.Message)
			}
		}
	}

	item.Results = results
	switch {
	case failed == 0 && succeeded > 0:
		item.Status = queue.StatusPublished
		item.PublishedAt = now.Unix()
		item.NextRetryAt = 0
		item.LastError = ""
	case succeeded > 0:
		item.Status = queue.StatusPartial
		item.LastError = firstFailure
	case item.RetryCount < o.cfg.MaxRetries:
		delay := o.retryDelay(item.RetryCount)
		item.Status = queue.StatusRetry
		item.NextRetryAt = now.Add(delay).Unix()
		item.RetryCount++
		item.LastError = firstFailure
	default:
		item.Status = queue.StatusFailed
		item.LastError = "重试次数耗尽: " + firstFailure
	}

	if err := o.store.Update(ctx, item); err != nil {
		return err
	}

	if o.history != nil {
		if err := o.history.Append(queue.HistoryRecord{
			Timestamp: now.Unix(),
			Strategy:  item.Strategy,
			Results:   results,
		}); err != nil {
			o.logger.Error("历史记录写入失败", slog.Any("error", err), slog.String("item_id", item.ID))
		}
	}
	logger.Audit().Info("条目发布完成",
		slog.String("item_id", item.ID),
		slog.String("strategy", item.Strategy),
		slog.String("status", string(item.Status)),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
	)

	if o.gate != nil && !item.AutoPublish {
		if err := o.gate.Report(ctx, buildReport(item)); err != nil {
			o.logger.Warn("发布回报发送失败", slog.Any("error", err), slog.String("item_id", item.ID))
		}
	}
	return nil
}

// retryDelay 按重试次数取退避延迟，超出列表长度时取最后一项。
func (o *Orchestrator) retryDelay(retryCount int) time.Duration {
	idx := retryCount
	if idx >= len(o.cfg.RetryDelays) {
		idx = len(o.cfg.RetryDelays) - 1
	}
	return o.cfg.RetryDelays[idx]
}

// SweepRetries 重新派发退避时间已到的条目。再次尝试只覆盖上一轮
// 失败的渠道，并清空此前的结果记录。
func (o *Orchestrator) SweepRetries(ctx context.Context, now time.Time) (int, error) {
	items, err := o.store.List(ctx, queue.ListOptions{Statuses: []queue.Status{queue.StatusRetry}})
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, item := range items {
		if item.NextRetryAt == 0 || item.NextRetryAt > now.Unix() {
			continue
		}
		item.Targets = item.FailedTargets()
		item.Results = map[publish.Platform]publish.Result{}
		item.Status = queue.StatusPending
		item.NextRetryAt = 0
		if err := o.store.Update(ctx, item); err != nil {
			o.logger.Error("重试条目更新失败", slog.Any("error", err), slog.String("item_id", item.ID))
			continue
		}
		o.logger.Info("重试条目已再次派发",
			slog.String("item_id", item.ID),
			slog.Int("retry_count", item.RetryCount),
			slog.Int("targets", len(item.Targets)))
		o.dispatch(ctx, item.ID)
		swept++
	}
	return swept, nil
}

// Recover 接管上一次进程运行遗留的条目。崩溃时卡在 publishing
// 的条目回退到 pending 重新派发；尚未消费的 pending 与
// awaiting_approval 条目原样再次派发。已终结或等待退避的条目
// 不受影响。
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	items, err := o.store.List(ctx, queue.ListOptions{Statuses: []queue.Status{
		queue.StatusPublishing,
		queue.StatusPending,
		queue.StatusAwaitingApproval,
	}})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, item := range items {
		if item.Status == queue.StatusPublishing {
			item.Status = queue.StatusPending
			if err := o.store.Update(ctx, item); err != nil {
				o.logger.Error("遗留条目回退失败",
					slog.Any("error", err), slog.String("item_id", item.ID))
				continue
			}
		}
		o.logger.Info("遗留条目重新派发",
			slog.String("item_id", item.ID),
			slog.String("status", string(item.Status)))
		o.dispatch(ctx, item.ID)
		recovered++
	}
	return recovered, nil
}

func sortedPlatforms(contents map[publish.Platform]string) []publish.Platform {
	platforms := make([]publish.Platform, 0, len(contents))
	for p := range contents {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// buildPreview 生成发送给操作员的审批预览。
func buildPreview(item *queue.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "待审批发布 [%s] 条目 %s\n", item.Strategy, item.ID)
	for _, platform := range item.Targets {
		fmt.Fprintf(&b, "- %s: %s\n", platform, item.Contents[platform])
	}
	if item.ImageRef != "" {
		fmt.Fprintf(&b, "附图: %s\n", item.ImageRef)
	}
	b.WriteString("回复 approve 发布，回复 reject 取消")
	return b.String()
}

// buildReport 生成发布完成回报，每个渠道一行。
func buildReport(item *queue.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "发布完成 [%s] 条目 %s 状态 %s\n", item.Strategy, item.ID, item.Status)
	platforms := make([]publish.Platform, 0, len(item.Results))
	for p := range item.Results {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	for _, platform := range platforms {
		result := item.Results[platform]
		status := "ok"
		if !result.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "- %s: %s %s\n", platform, status, result.Message)
	}
	return b.String()
}
