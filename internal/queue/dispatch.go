package queue

import (
	"context"
)

// Handler 处理来自派发队列的条目 ID。
type Handler func(ctx context.Context, itemID string) error

// Producer 负责向派发队列投递条目。
type Producer interface {
	Publish(ctx context.Context, itemID string) error
	Close() error
}

// Consumer 负责从派发队列中消费条目。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Dispatch 同时具备生产者与消费者能力。
type Dispatch interface {
	Producer
	Consumer
}
