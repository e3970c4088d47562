package settle

import (
	"context"
)

// Handler 处理来自结算队列的执行记录编号。
type Handler func(ctx context.Context, executionID string) error

// Producer 负责向结算队列投递已计费的执行记录。
type Producer interface {
	Enqueue(ctx context.Context, executionID string) error
	Close() error
}

// Consumer 负责从结算队列消费执行记录。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
