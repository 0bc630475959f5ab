package publish

import (
	"context"
	"sort"

	xerrors "PulsePress/internal/errors"
)

// Platform 表示一个受支持的外部发布渠道。
type Platform string

// 受支持的发布渠道为固定枚举，新增渠道需要同时提供 Publisher 实现。
const (
	PlatformDiscord   Platform = "discord"
	PlatformTelegram  Platform = "telegram"
	PlatformTwitter   Platform = "twitter"
	PlatformReddit    Platform = "reddit"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformDevTo     Platform = "devto"
	PlatformFarcaster Platform = "farcaster"
)

// AllPlatforms 返回全部受支持渠道，按固定顺序排列。
func AllPlatforms() []Platform {
	return []Platform{
		PlatformDiscord,
		PlatformTelegram,
		PlatformTwitter,
		PlatformReddit,
		PlatformLinkedIn,
		PlatformDevTo,
		PlatformFarcaster,
	}
}

// IsValidPlatform 检查渠道是否属于受支持的枚举。
func IsValidPlatform(p Platform) bool {
	switch p {
	case PlatformDiscord, PlatformTelegram, PlatformTwitter, PlatformReddit,
		PlatformLinkedIn, PlatformDevTo, PlatformFarcaster:
		return true
	default:
		return false
	}
}

// Content 描述一次面向单个渠道的发布内容。
type Content struct {
	Text     string
	ImageRef string
}

// Result 描述一次发布尝试的结果。
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
}

// Publisher 是渠道发布能力的统一契约。实现不应让 panic 越过边界，
// 编排层仍会兜底捕获并转换为失败结果。
type Publisher interface {
	Platform() Platform
	Publish(ctx context.Context, content Content) Result
}

// Func 允许用函数直接充当 Publisher，主要用于测试与轻量适配。
type Func struct {
	Name Platform
	Fn   func(ctx context.Context, content Content) Result
}

// Platform 实现 Publisher 接口。
func (f Func) Platform() Platform { return f.Name }

// Publish 实现 Publisher 接口。
func (f Func) Publish(ctx context.Context, content Content) Result {
	if f.Fn == nil {
		return Result{Success: false, Message: "publisher not implemented"}
	}
	return f.Fn(ctx, content)
}

// Registry 以查表方式完成渠道到 Publisher 的分发。
type Registry struct {
	publishers map[Platform]Publisher
}

// NewRegistry 构造 Registry，忽略 nil 与未知渠道的实现。
func NewRegistry(publishers ...Publisher) *Registry {
	set := make(map[Platform]Publisher, len(publishers))
	for _, p := range publishers {
		if p == nil || !IsValidPlatform(p.Platform()) {
			continue
		}
		set[p.Platform()] = p
	}
	return &Registry{publishers: set}
}

// Register 注册或覆盖一个渠道实现。
func (r *Registry) Register(p Publisher) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "publisher 不能为空")
	}
	if !IsValidPlatform(p.Platform()) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的发布渠道",
			xerrors.WithMetadata("platform", string(p.Platform())))
	}
	r.publishers[p.Platform()] = p
	return nil
}

// Lookup 返回指定渠道的 Publisher。
func (r *Registry) Lookup(platform Platform) (Publisher, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.publishers[platform]
	return p, ok
}

// Platforms 返回已注册的渠道列表，按名称排序。
func (r *Registry) Platforms() []Platform {
	if r == nil {
		return nil
	}
	platforms := make([]Platform, 0, len(r.publishers))
	for p := range r.publishers {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}
