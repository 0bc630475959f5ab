package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/orchestrator"
	"PulsePress/internal/queue"
	"PulsePress/pkg/logger"
)

// Scheduler 每分钟对照时刻表触发策略，并顺带重派到期的重试条目。
// cron 层保证上一轮 tick 未结束时跳过本轮，长时间的人工审批
// 不会造成 tick 堆积。
type Scheduler struct {
	orch      *orchestrator.Orchestrator
	store     queue.Store
	timetable *Timetable
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时钟来源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New 构造 Scheduler。
func New(orch *orchestrator.Orchestrator, store queue.Store, timetable *Timetable, opts ...Option) (*Scheduler, error) {
	if orch == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "编排器不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "队列存储不能为空")
	}
	if timetable == nil {
		timetable = &Timetable{entries: map[time.Weekday][]Entry{}}
	}
	s := &Scheduler{
		orch:      orch,
		store:     store,
		timetable: timetable,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("scheduler")
	}
	return s, nil
}

// Start 启动每分钟一次的调度循环。
func (s *Scheduler) Start() error {
	cronLogger := cron.DiscardLogger
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))
	if _, err := s.cron.AddFunc("* * * * *", func() {
		s.runTick(context.Background(), s.now())
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "注册调度任务失败")
	}
	s.cron.Start()
	s.logger.Info("调度器已启动", slog.Int("timetable_entries", s.timetable.Len()))
	return nil
}

// Stop 停止调度并等待正在执行的 tick 结束。
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待调度器停止超时")
	}
}

// runTick 执行一轮调度：触发命中时刻表的策略，然后清扫重试条目。
func (s *Scheduler) runTick(ctx context.Context, now time.Time) {
	for _, entry := range s.timetable.EntriesAt(now) {
		triggered, err := s.triggeredToday(ctx, entry.Strategy, now)
		if err != nil {
			s.logger.Error("查询当日触发记录失败",
				slog.Any("error", err), slog.String("strategy", entry.Strategy))
			continue
		}
		if triggered {
			s.logger.Debug("策略当日已触发，跳过", slog.String("strategy", entry.Strategy))
			continue
		}
		s.logger.Info("时刻表命中，触发策略",
			slog.String("strategy", entry.Strategy), slog.String("at", entry.At))
		if _, err := s.orch.Trigger(ctx, entry.Strategy); err != nil {
			s.logger.Error("策略触发失败",
				slog.Any("error", err), slog.String("strategy", entry.Strategy))
		}
	}

	swept, err := s.orch.SweepRetries(ctx, now)
	if err != nil {
		s.logger.Error("重试清扫失败", slog.Any("error", err))
	} else if swept > 0 {
		s.logger.Info("重试清扫完成", slog.Int("swept", swept))
	}
}

// triggeredToday 判断该策略在 now 所在的日历日是否已经产生过条目。
// 以条目创建日期做幂等保护，进程重启后依然生效。
func (s *Scheduler) triggeredToday(ctx context.Context, strategy string, now time.Time) (bool, error) {
	items, err := s.store.List(ctx, queue.ListOptions{Strategy: strategy})
	if err != nil {
		return false, err
	}
	today := now.Format("2006-01-02")
	for _, item := range items {
		if item.CreatedOn() == today {
			return true, nil
		}
	}
	return false, nil
}
