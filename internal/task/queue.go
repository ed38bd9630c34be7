package task

import (
	"context"
)

// Handler 处理来自消息队列的任务 ID。返回错误表示消息未被处理，队列实现
// 可以据此重新投递。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 负责从队列中消费任务，阻塞直到 ctx 结束或出现不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
