package queue

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue 使用 channel 模拟派发队列，主要用于测试与单机部署。
type MemoryQueue struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存派发队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将条目投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, itemID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- itemID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的条目。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case itemID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, itemID)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	return nil
}

var _ Dispatch = (*MemoryQueue)(nil)
