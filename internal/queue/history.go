package queue

import (
	"encoding/json"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sync"

	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/publish"
)

// HistoryRecord 记录一次发布尝试的审计摘要。
type HistoryRecord struct {
	Timestamp int64                               `json:"timestamp"`
	Strategy  string                              `json:"strategy"`
	Results   map[publish.Platform]publish.Result `json:"results"`
}

// History 是容量受限的发布审计日志，超出容量时淘汰最旧记录。
// 配置持久化路径后，每次追加都会原子落盘。
type History struct {
	mu      sync.Mutex
	max     int
	path    string
	records []HistoryRecord
}

// NewHistory 创建历史日志。path 为空时只保留在内存中。
func NewHistory(max int, path string) (*History, error) {
	if max <= 0 {
		max = 100
	}
	h := &History{max: max, path: path}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建历史日志目录失败")
		}
		if err := h.load(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *History) load() error {
	content, err := os.ReadFile(h.path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取历史日志失败")
	}
	if len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, &h.records); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析历史日志失败")
	}
	if len(h.records) > h.max {
		h.records = h.records[len(h.records)-h.max:]
	}
	return nil
}

func (h *History) saveLocked() error {
	if h.path == "" {
		return nil
	}
	content, err := json.Marshal(h.records)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化历史日志失败")
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入历史日志失败")
	}
	if err := os.Rename(tmp, h.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换历史日志失败")
	}
	return nil
}

// Append 追加一条记录，超出容量时淘汰最旧的。
func (h *History) Append(record HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	if len(h.records) > h.max {
		h.records = h.records[len(h.records)-h.max:]
	}
	return h.saveLocked()
}

// Records 返回历史记录副本，最旧的在前。
func (h *History) Records() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := make([]HistoryRecord, len(h.records))
	copy(records, h.records)
	return records
}
