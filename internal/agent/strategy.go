package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/publish"
)

// Output 是一次策略执行产出的待发布内容。
type Output struct {
	Contents map[publish.Platform]string
	ImageRef string
}

// Strategy 是内容生成协作方的统一契约。具体的文案生成与
// 平台适配由实现方负责，核心层只消费产出。
type Strategy interface {
	Name() string
	Generate(ctx context.Context) (*Output, error)
}

const (
	CodeStrategyFailed xerrors.Code = "STRATEGY_FAILED"
)

func init() {
	xerrors.Register(CodeStrategyFailed, xerrors.Attributes{
		Message:   "strategy execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Registry 维护按名称索引的策略集合。
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry 创建空的策略注册表。
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register 注册一个策略，名称重复时覆盖。
func (r *Registry) Register(s Strategy) error {
	if s == nil || strings.TrimSpace(s.Name()) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "策略名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
	return nil
}

// Lookup 返回指定名称的策略。
func (r *Registry) Lookup(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names 返回已注册的策略名称，按字典序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
