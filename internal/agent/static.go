package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/payment"
	"PulsePress/internal/publish"
)

// StaticStrategy 返回固定的逐渠道文案，适合公告类内容与测试。
type StaticStrategy struct {
	name     string
	contents map[publish.Platform]string
	imageRef string
}

// NewStaticStrategy 构造 StaticStrategy。
func NewStaticStrategy(name string, contents map[publish.Platform]string, imageRef string) *StaticStrategy {
	return &StaticStrategy{name: name, contents: contents, imageRef: imageRef}
}

// Name 实现 Strategy 接口。
func (s *StaticStrategy) Name() string { return s.name }

// Generate 实现 Strategy 接口。
func (s *StaticStrategy) Generate(_ context.Context) (*Output, error) {
	contents := make(map[publish.Platform]string, len(s.contents))
	for k, v := range s.contents {
		contents[k] = v
	}
	return &Output{Contents: contents, ImageRef: s.imageRef}, nil
}

// RemoteStrategy 通过付费网关调用计量内容接口，把返回的正文
// 分发到配置的目标渠道。预算或结算失败会原样上抛，由调用方
// 决定是否降级。
type RemoteStrategy struct {
	name      string
	endpoint  string
	client    *payment.Client
	platforms []publish.Platform
}

// NewRemoteStrategy 构造 RemoteStrategy。
func NewRemoteStrategy(name, endpoint string, client *payment.Client, platforms []publish.Platform) (*RemoteStrategy, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "策略接口地址不能为空")
	}
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "付费客户端不能为空")
	}
	if len(platforms) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标渠道不能为空")
	}
	return &RemoteStrategy{name: name, endpoint: endpoint, client: client, platforms: platforms}, nil
}

// Name 实现 Strategy 接口。
func (r *RemoteStrategy) Name() string { return r.name }

// Generate 调用计量接口并把正文分发到全部目标渠道。
func (r *RemoteStrategy) Generate(ctx context.Context) (*Output, error) {
	resp, err := r.client.Call(ctx, r.endpoint, payment.CallOptions{})
	if err != nil {
		return nil, xerrors.Wrap(CodeStrategyFailed, err, "调用内容接口失败",
			xerrors.WithMetadata("strategy", r.name))
	}
	text, err := extractContent(resp)
	if err != nil {
		return nil, err
	}
	contents := make(map[publish.Platform]string, len(r.platforms))
	for _, p := range r.platforms {
		contents[p] = text
	}
	return &Output{Contents: contents}, nil
}

// extractContent 从接口响应里取出正文：优先 JSON 的 content 字段，
// 其次整体 JSON 文本，最后原文。
func extractContent(resp *payment.Response) (string, error) {
	if resp == nil {
		return "", xerrors.New(CodeStrategyFailed, "内容接口返回为空")
	}
	if obj, ok := resp.JSON.(map[string]any); ok {
		if content, ok := obj["content"].(string); ok && content != "" {
			return content, nil
		}
	}
	if resp.JSON != nil {
		raw, err := json.Marshal(resp.JSON)
		if err == nil && len(raw) > 0 {
			return string(raw), nil
		}
	}
	if strings.TrimSpace(resp.Raw) != "" {
		return resp.Raw, nil
	}
	return "", xerrors.New(CodeStrategyFailed, fmt.Sprintf("内容接口返回不可用，状态码 %d", resp.StatusCode))
}

var (
	_ Strategy = (*StaticStrategy)(nil)
	_ Strategy = (*RemoteStrategy)(nil)
)
