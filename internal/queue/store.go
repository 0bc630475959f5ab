package queue

import "context"

// ListOptions 描述条目查询的过滤条件。
type ListOptions struct {
	Statuses []Status
	Strategy string
	Limit    int
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = 200
	}
}

func matchesListFilters(item *Item, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if item.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Strategy != "" && item.Strategy != opts.Strategy {
		return false
	}
	return true
}

// Store 定义队列条目的持久化能力。条目不会被自动删除，
// Delete 仅供操作员使用。
type Store interface {
	Create(ctx context.Context, item *Item) error
	Update(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context, opts ListOptions) ([]*Item, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
