package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "PulsePress/internal/errors"
)

// RedisStoreConfig 描述 Redis 存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 把每个条目以 JSON 形式存入 Redis，并用集合维护索引。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 存储实例。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pulsepress"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) itemKey(id string) string {
	return s.prefix + ":item:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":items"
}

func (s *RedisStore) write(ctx context.Context, item *Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化队列条目失败")
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.itemKey(item.ID), payload, 0)
	pipe.SAdd(ctx, s.indexKey(), item.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	return nil
}

// Create 实现 Store 接口。
func (s *RedisStore) Create(ctx context.Context, item *Item) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目 ID 不能为空")
	}
	exists, err := s.client.Exists(ctx, s.itemKey(item.ID)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Redis 失败")
	}
	if exists > 0 {
		return ErrItemConflict
	}
	now := time.Now().Unix()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	return s.write(ctx, item)
}

// Update 覆盖已存在的条目。
func (s *RedisStore) Update(ctx context.Context, item *Item) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目 ID 不能为空")
	}
	exists, err := s.client.Exists(ctx, s.itemKey(item.ID)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Redis 失败")
	}
	if exists == 0 {
		return ErrItemNotFound
	}
	item.UpdatedAt = time.Now().Unix()
	return s.write(ctx, item)
}

// Get 返回指定条目。
func (s *RedisStore) Get(ctx context.Context, id string) (*Item, error) {
	payload, err := s.client.Get(ctx, s.itemKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrItemNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	var item Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析队列条目失败")
	}
	return &item, nil
}

// List 返回符合过滤条件的条目，按创建时间倒序。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Item, error) {
	opts.applyDefaults()

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取条目索引失败")
	}
	items := make([]*Item, 0, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if err != nil {
			if xerrors.CodeOf(err) == CodeItemNotFound {
				// 条目已被删除而索引尚未清理。
				_ = s.client.SRem(ctx, s.indexKey(), id).Err()
				continue
			}
			return nil, err
		}
		if !matchesListFilters(item, opts) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt == items[j].CreatedAt {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt > items[j].CreatedAt
	})
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

// Delete 删除条目。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, s.itemKey(id)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 条目失败")
	}
	_ = s.client.SRem(ctx, s.indexKey(), id).Err()
	if removed == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
