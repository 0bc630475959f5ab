package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "PulsePress/internal/errors"
)

// MemoryStore 以内存方式保存队列条目，主要用于测试。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, item *Item) error {
	if item == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "item 不能为空")
	}
	if item.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return ErrItemConflict
	}
	now := time.Now().Unix()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	m.items[item.ID] = cloneItem(item)
	return nil
}

// Update 覆盖已存在的条目。
func (m *MemoryStore) Update(_ context.Context, item *Item) error {
	if item == nil || item.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return ErrItemNotFound
	}
	item.UpdatedAt = time.Now().Unix()
	m.items[item.ID] = cloneItem(item)
	return nil
}

// Get 返回条目副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return cloneItem(item), nil
}

// List 返回符合过滤条件的条目，按创建时间倒序。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Item, 0, len(m.items))
	for _, item := range m.items {
		if !matchesListFilters(item, opts) {
			continue
		}
		results = append(results, cloneItem(item))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Delete 删除条目，供操作员使用。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(m.items, id)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
