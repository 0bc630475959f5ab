package approval

import (
	"context"
	"strings"
	"time"

	xerrors "PulsePress/internal/errors"
)

// Decision 是人工审批的最终结论。
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimedOut Decision = "timeout"
)

// Gate 是人工审批能力的统一契约。RequestApproval 发送一次预览
// 并阻塞等待操作员表态，超时返回 DecisionTimedOut。
type Gate interface {
	RequestApproval(ctx context.Context, preview string) (Decision, error)
	Report(ctx context.Context, text string) error
}

// Reply 表示审批渠道里一条操作员回复。
type Reply struct {
	ID   int64
	Text string
}

// Messenger 抽象审批渠道的收发能力。具体的消息平台客户端
// （Telegram 等）由协作方提供。
type Messenger interface {
	Send(ctx context.Context, text string) error
	Replies(ctx context.Context, afterID int64) ([]Reply, error)
}

// Keywords 定义审批指令的关键词集合。不在集合内的回复一律忽略。
type Keywords struct {
	Approve []string
	Reject  []string
}

// DefaultKeywords 返回默认的审批关键词。
func DefaultKeywords() Keywords {
	return Keywords{
		Approve: []string{"approve", "yes", "ok", "post"},
		Reject:  []string{"reject", "no", "skip"},
	}
}

// PollingGateConfig 描述轮询审批门的行为参数。
type PollingGateConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Keywords     Keywords
}

// PollingGate 把预览发送到审批渠道，并轮询操作员回复直至超时。
type PollingGate struct {
	messenger Messenger
	timeout   time.Duration
	interval  time.Duration
	keywords  Keywords
}

// NewPollingGate 构造 PollingGate。
func NewPollingGate(messenger Messenger, cfg PollingGateConfig) (*PollingGate, error) {
	if messenger == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "messenger 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if len(cfg.Keywords.Approve) == 0 && len(cfg.Keywords.Reject) == 0 {
		cfg.Keywords = DefaultKeywords()
	}
	return &PollingGate{
		messenger: messenger,
		timeout:   cfg.Timeout,
		interval:  cfg.PollInterval,
		keywords:  cfg.Keywords,
	}, nil
}

// RequestApproval 实现 Gate 接口。预览只发送一次；
// 不匹配关键词的回复被忽略，轮询继续。
func (g *PollingGate) RequestApproval(ctx context.Context, preview string) (Decision, error) {
	// 先记下渠道里已有回复的位置，发送预览之前写入的历史回复
	// 不参与本次审批判定。
	lastID, err := g.latestReplyID(ctx)
	if err != nil {
		return DecisionTimedOut, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "读取审批渠道历史失败")
	}
	if err := g.messenger.Send(ctx, preview); err != nil {
		return DecisionTimedOut, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "发送审批预览失败")
	}

	deadline := time.Now().Add(g.timeout)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return DecisionTimedOut, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return DecisionTimedOut, nil
		}

		replies, err := g.messenger.Replies(ctx, lastID)
		if err != nil {
			// 单次轮询失败不终止审批，等待下一轮。
			continue
		}
		for _, reply := range replies {
			if reply.ID > lastID {
				lastID = reply.ID
			}
			switch g.classify(reply.Text) {
			case DecisionApproved:
				return DecisionApproved, nil
			case DecisionRejected:
				return DecisionRejected, nil
			}
		}
	}
}

// latestReplyID 返回渠道当前最新一条回复的 ID，没有回复时为 0。
func (g *PollingGate) latestReplyID(ctx context.Context) (int64, error) {
	replies, err := g.messenger.Replies(ctx, 0)
	if err != nil {
		return 0, err
	}
	var last int64
	for _, reply := range replies {
		if reply.ID > last {
			last = reply.ID
		}
	}
	return last, nil
}

// Report 把发布结果回报到同一审批渠道。
func (g *PollingGate) Report(ctx context.Context, text string) error {
	return g.messenger.Send(ctx, text)
}

// classify 判定一条回复。取首个词做精确匹配，其余内容忽略。
func (g *PollingGate) classify(text string) Decision {
	word := strings.ToLower(strings.TrimSpace(text))
	if fields := strings.Fields(word); len(fields) > 0 {
		word = fields[0]
	}
	for _, kw := range g.keywords.Approve {
		if word == strings.ToLower(kw) {
			return DecisionApproved
		}
	}
	for _, kw := range g.keywords.Reject {
		if word == strings.ToLower(kw) {
			return DecisionRejected
		}
	}
	return ""
}

var _ Gate = (*PollingGate)(nil)
