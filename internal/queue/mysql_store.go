package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/publish"
)

// MySQLStore 使用 MySQL 记录队列条目。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS queue_items (
        id VARCHAR(64) PRIMARY KEY,
        strategy VARCHAR(128) NOT NULL,
        contents TEXT,
        image_ref VARCHAR(255) DEFAULT '',
        targets TEXT,
        auto_publish TINYINT(1) NOT NULL DEFAULT 0,
        status VARCHAR(32) NOT NULL,
        retry_count INT NOT NULL DEFAULT 0,
        next_retry_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        published_at BIGINT NOT NULL DEFAULT 0,
        results TEXT,
        last_error TEXT,
        INDEX idx_items_status (status),
        INDEX idx_items_strategy (strategy),
        INDEX idx_items_created (created_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 queue_items 表失败")
	}
	return nil
}

func marshalItemColumns(item *Item) (contents, targets, results string, err error) {
	raw, err := json.Marshal(item.Contents)
	if err != nil {
		return "", "", "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化条目内容失败")
	}
	contents = string(raw)
	raw, err = json.Marshal(item.Targets)
	if err != nil {
		return "", "", "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化目标渠道失败")
	}
	targets = string(raw)
	raw, err = json.Marshal(item.Results)
	if err != nil {
		return "", "", "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化发布结果失败")
	}
	results = string(raw)
	return contents, targets, results, nil
}

// Create 插入新的条目记录。
func (s *MySQLStore) Create(ctx context.Context, item *Item) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目 ID 不能为空")
	}
	now := time.Now().Unix()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	contents, targets, results, err := marshalItemColumns(item)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO queue_items
        (id, strategy, contents, image_ref, targets, auto_publish, status,
         retry_count, next_retry_at, created_at, updated_at, published_at, results, last_error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		item.ID, item.Strategy, contents, item.ImageRef, targets, item.AutoPublish,
		string(item.Status), item.RetryCount, item.NextRetryAt,
		item.CreatedAt, item.UpdatedAt, item.PublishedAt, results, item.LastError,
	); err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrItemConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入队列条目失败")
	}
	return nil
}

// Update 覆盖已存在的条目。
func (s *MySQLStore) Update(ctx context.Context, item *Item) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目 ID 不能为空")
	}
	item.UpdatedAt = time.Now().Unix()

	contents, targets, results, err := marshalItemColumns(item)
	if err != nil {
		return err
	}

	const stmt = `UPDATE queue_items SET
        strategy = ?, contents = ?, image_ref = ?, targets = ?, auto_publish = ?,
        status = ?, retry_count = ?, next_retry_at = ?, updated_at = ?,
        published_at = ?, results = ?, last_error = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		item.Strategy, contents, item.ImageRef, targets, item.AutoPublish,
		string(item.Status), item.RetryCount, item.NextRetryAt, item.UpdatedAt,
		item.PublishedAt, results, item.LastError, item.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新队列条目失败")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := s.Get(ctx, item.ID); getErr != nil {
			return ErrItemNotFound
		}
	}
	return nil
}

const itemColumns = `id, strategy, contents, image_ref, targets, auto_publish, status,
        retry_count, next_retry_at, created_at, updated_at, published_at, results, last_error`

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		item     Item
		status   string
		contents string
		targets  string
		results  string
	)
	if err := scanner.Scan(
		&item.ID, &item.Strategy, &contents, &item.ImageRef, &targets, &item.AutoPublish,
		&status, &item.RetryCount, &item.NextRetryAt,
		&item.CreatedAt, &item.UpdatedAt, &item.PublishedAt, &results, &item.LastError,
	); err != nil {
		return nil, err
	}
	item.Status = Status(status)
	if contents != "" {
		if err := json.Unmarshal([]byte(contents), &item.Contents); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析条目内容失败")
		}
	}
	if targets != "" {
		if err := json.Unmarshal([]byte(targets), &item.Targets); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析目标渠道失败")
		}
	}
	if results != "" && results != "null" {
		if err := json.Unmarshal([]byte(results), &item.Results); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析发布结果失败")
		}
	}
	if item.Results == nil {
		item.Results = map[publish.Platform]publish.Result{}
	}
	return &item, nil
}

// Get 返回指定条目。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrItemNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询队列条目失败")
	}
	return item, nil
}

// List 返回符合过滤条件的条目，按创建时间倒序。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Item, error) {
	opts.applyDefaults()

	query := `SELECT ` + itemColumns + ` FROM queue_items`
	var (
		conds []string
		args  []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if opts.Strategy != "" {
		conds = append(conds, "strategy = ?")
		args = append(args, opts.Strategy)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询队列条目失败")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析队列条目失败")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历队列条目失败")
	}
	return items, nil
}

// Delete 删除条目。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除队列条目失败")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
