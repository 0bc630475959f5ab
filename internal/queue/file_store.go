package queue

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	xerrors "PulsePress/internal/errors"
)

// FileStore 把全部条目作为整体快照持久化到单个 JSON 文件。
// 写入先落到临时文件再原子替换，崩溃不会留下半写状态。
type FileStore struct {
	mu    sync.Mutex
	path  string
	items map[string]*Item
}

// NewFileStore 加载（或创建）指定路径的快照文件。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "快照路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建快照目录失败")
	}
	store := &FileStore{path: path, items: make(map[string]*Item)}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (f *FileStore) load() error {
	content, err := os.ReadFile(f.path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取队列快照失败")
	}
	if len(content) == 0 {
		return nil
	}
	var items []*Item
	if err := json.Unmarshal(content, &items); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析队列快照失败")
	}
	for _, item := range items {
		if item != nil && item.ID != "" {
			f.items[item.ID] = item
		}
	}
	return nil
}

// saveLocked 将当前快照原子写回磁盘。调用方需持有锁。
func (f *FileStore) saveLocked() error {
	items := make([]*Item, 0, len(f.items))
	for _, item := range f.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt == items[j].CreatedAt {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt < items[j].CreatedAt
	})

	content, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化队列快照失败")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时快照失败")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换队列快照失败")
	}
	return nil
}

// Create 实现 Store 接口。
func (f *FileStore) Create(_ context.Context, item *Item) error {
	if item == nil || item.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目 ID 不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.ID]; ok {
		return ErrItemConflict
	}
	now := time.Now().Unix()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	f.items[item.ID] = cloneItem(item)
	return f.saveLocked()
}

// Update 覆盖已存在的条目并落盘。
func (f *FileStore) Update(_ context.Context, item *Item) error {
	if item == nil || item.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目 ID 不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.ID]; !ok {
		return ErrItemNotFound
	}
	item.UpdatedAt = time.Now().Unix()
	f.items[item.ID] = cloneItem(item)
	return f.saveLocked()
}

// Get 返回条目副本。
func (f *FileStore) Get(_ context.Context, id string) (*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return cloneItem(item), nil
}

// List 返回符合过滤条件的条目，按创建时间倒序。
func (f *FileStore) List(_ context.Context, opts ListOptions) ([]*Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	opts.applyDefaults()

	results := make([]*Item, 0, len(f.items))
	for _, item := range f.items {
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

// Delete 删除条目并落盘。
func (f *FileStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(f.items, id)
	return f.saveLocked()
}

// Close 对文件存储无需操作，快照在每次变更时已落盘。
func (f *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
