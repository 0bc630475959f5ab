package queue

import (
	"time"

	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/publish"
)

// Status 表示队列条目在发布生命周期中的状态。
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusPublishing       Status = "publishing"
	StatusPublished        Status = "published"
	StatusPartial          Status = "partial"
	StatusFailed           Status = "failed"
	StatusRetry            Status = "retry"
)

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAwaitingApproval, StatusPublishing,
		StatusPublished, StatusPartial, StatusFailed, StatusRetry:
		return true
	default:
		return false
	}
}

// IsTerminalStatus 判断状态是否为终态。终态条目不再被调度，
// 仅允许操作员手动删除。
func IsTerminalStatus(status Status) bool {
	switch status {
	case StatusPublished, StatusPartial, StatusFailed:
		return true
	default:
		return false
	}
}

// Item 描述一条等待或正在发布的内容。每次策略触发按自动/人工
// 分组各生成至多一条。
type Item struct {
	ID          string                               `json:"id"`
	Strategy    string                               `json:"strategy"`
	Contents    map[publish.Platform]string          `json:"contents"`
	ImageRef    string                               `json:"image_ref,omitempty"`
	Targets     []publish.Platform                   `json:"targets"`
	AutoPublish bool                                 `json:"auto_publish"`
	Status      Status                               `json:"status"`
	RetryCount  int                                  `json:"retry_count"`
	NextRetryAt int64                                `json:"next_retry_at,omitempty"`
	CreatedAt   int64                                `json:"created_at"`
	UpdatedAt   int64                                `json:"updated_at"`
	PublishedAt int64                                `json:"published_at,omitempty"`
	Results     map[publish.Platform]publish.Result  `json:"results,omitempty"`
	LastError   string                               `json:"last_error,omitempty"`
}

// CreatedOn 返回条目创建日的日历日期（YYYY-MM-DD），
// 调度器用它做同日幂等判断。
func (i *Item) CreatedOn() string {
	return time.Unix(i.CreatedAt, 0).Format("2006-01-02")
}

// FailedTargets 返回上一轮尝试中未成功的目标渠道。
// 没有结果记录的渠道视为失败。
func (i *Item) FailedTargets() []publish.Platform {
	failed := make([]publish.Platform, 0, len(i.Targets))
	for _, p := range i.Targets {
		if result, ok := i.Results[p]; ok && result.Success {
			continue
		}
		failed = append(failed, p)
	}
	return failed
}

var (
	// ErrItemNotFound 表示指定的队列条目不存在。
	ErrItemNotFound = xerrors.New(CodeItemNotFound, "queue item not found")
	// ErrItemConflict 表示条目在当前状态下无法进行所请求的操作。
	ErrItemConflict = xerrors.New(CodeItemConflict, "queue item conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeItemNotFound xerrors.Code = "QUEUE_ITEM_NOT_FOUND"
	CodeItemConflict xerrors.Code = "QUEUE_ITEM_CONFLICT"
)

func init() {
	xerrors.Register(CodeItemNotFound, xerrors.Attributes{
		Message:   "queue item not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeItemConflict, xerrors.Attributes{
		Message:   "queue item conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

func cloneItem(item *Item) *Item {
	clone := *item
	if item.Contents != nil {
		contents := make(map[publish.Platform]string, len(item.Contents))
		for k, v := range item.Contents {
			contents[k] = v
		}
		clone.Contents = contents
	}
	if item.Targets != nil {
		targets := make([]publish.Platform, len(item.Targets))
		copy(targets, item.Targets)
		clone.Targets = targets
	}
	if item.Results != nil {
		results := make(map[publish.Platform]publish.Result, len(item.Results))
		for k, v := range item.Results {
			results[k] = v
		}
		clone.Results = results
	}
	return &clone
}
