package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "PulsePress/internal/errors"
)

// FilePaymentLog 以 JSON Lines 形式把支付记录追加到本地文件。
// 历史记录跨进程保留，会话消费计数不在其列。
type FilePaymentLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewFilePaymentLog 打开或创建支付日志文件。
func NewFilePaymentLog(path string) (*FilePaymentLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "支付日志路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建支付日志目录失败")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开支付日志失败")
	}
	return &FilePaymentLog{file: file}, nil
}

// Append 实现 PaymentSink 接口。
func (f *FilePaymentLog) Append(_ context.Context, payment Payment) error {
	line, err := json.Marshal(payment)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化支付记录失败")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "支付日志已关闭")
	}
	if _, err := f.file.Write(append(line, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付日志失败")
	}
	return nil
}

// Close 关闭日志文件。
func (f *FilePaymentLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// MySQLPaymentLog 把支付记录写入 MySQL，供跨进程审计查询。
type MySQLPaymentLog struct {
	db *sql.DB
}

// NewMySQLPaymentLog 建立连接并初始化 payments 表。
func NewMySQLPaymentLog(dsn string) (*MySQLPaymentLog, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	const schema = `CREATE TABLE IF NOT EXISTS payments (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        amount VARCHAR(78) NOT NULL,
        recipient VARCHAR(64) NOT NULL,
        tx_hash VARCHAR(66) NOT NULL,
        endpoint TEXT NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_payments_created (created_at)
)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payments 表失败")
	}
	return &MySQLPaymentLog{db: db}, nil
}

// Append 实现 PaymentSink 接口。
func (m *MySQLPaymentLog) Append(ctx context.Context, payment Payment) error {
	const stmt = `INSERT INTO payments (amount, recipient, tx_hash, endpoint, created_at)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := m.db.ExecContext(ctx, stmt,
		payment.Amount, payment.Recipient, payment.TxHash, payment.Endpoint, payment.Timestamp,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入支付记录失败")
	}
	return nil
}

// Recent 返回最近的支付记录，按时间倒序。
func (m *MySQLPaymentLog) Recent(ctx context.Context, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT amount, recipient, tx_hash, endpoint, created_at
        FROM payments ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := m.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付记录失败")
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.Amount, &p.Recipient, &p.TxHash, &p.Endpoint, &p.Timestamp); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付记录失败")
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付记录失败")
	}
	return payments, nil
}

// Close 关闭数据库连接。
func (m *MySQLPaymentLog) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

var (
	_ PaymentSink = (*FilePaymentLog)(nil)
	_ PaymentSink = (*MySQLPaymentLog)(nil)
)
