package approval

import (
	"bufio"
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "PulsePress/internal/errors"
)

// FileMessenger 用两个本地文件模拟审批渠道：预览与回报追加到
// outbox，操作员把指令逐行写入 inbox。适合单机部署与演练，
// 真实的消息平台客户端由协作方实现同一接口。
type FileMessenger struct {
	mu     sync.Mutex
	outbox string
	inbox  string
}

// NewFileMessenger 构造 FileMessenger。
func NewFileMessenger(outbox, inbox string) (*FileMessenger, error) {
	if outbox == "" || inbox == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "outbox 与 inbox 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(outbox), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建审批目录失败")
	}
	if err := os.MkdirAll(filepath.Dir(inbox), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建审批目录失败")
	}
	return &FileMessenger{outbox: outbox, inbox: inbox}, nil
}

// Send 实现 Messenger 接口。
func (f *FileMessenger) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.outbox, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审批 outbox 失败")
	}
	defer file.Close()
	if _, err := file.WriteString(text + "\n"); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审批 outbox 失败")
	}
	return nil
}

// Replies 实现 Messenger 接口。回复 ID 为行号，从 1 开始。
func (f *FileMessenger) Replies(_ context.Context, afterID int64) ([]Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.Open(f.inbox)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审批 inbox 失败")
	}
	defer file.Close()

	var (
		replies []Reply
		line    int64
	)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line++
		if line <= afterID {
			continue
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		replies = append(replies, Reply{ID: line, Text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审批 inbox 失败")
	}
	return replies, nil
}

var _ Messenger = (*FileMessenger)(nil)
