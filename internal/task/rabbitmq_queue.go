package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL   string
	Queue string
	// Prefetch 为每个消费通道未确认消息的上限，默认等于工作协程数。
	Prefetch int
	Durable  bool
}

// RabbitMQQueue 使用 RabbitMQ 实现任务队列。发布走确认模式，消费使用独立通道并手动确认。
type RabbitMQQueue struct {
	conn     *amqp.Connection
	queue    string
	prefetch int

	// amqp.Channel 不支持并发发布。
	publishMu sync.Mutex
	publishCh *amqp.Channel
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明任务队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "sprintpilot.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("开启 RabbitMQ 发布确认失败: %w", err)
	}
	return &RabbitMQQueue{conn: conn, queue: queue, prefetch: cfg.Prefetch, publishCh: ch}, nil
}

// Publish 投递任务编号并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.publishCh == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	q.publishMu.Lock()
	confirm, err := q.publishCh.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Type:         "capability_job",
		AppId:        "sprintpilot",
		Body:         []byte(jobID),
	})
	q.publishMu.Unlock()
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布任务 %s 失败: %w", jobID, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("等待 RabbitMQ 确认失败: %w", err)
	}
	if !acked {
		return fmt.Errorf("RabbitMQ 拒绝了任务 %s", jobID)
	}
	return nil
}

// Consume 在独立通道上消费任务。处理失败的消息重新入队；连接断开时返回错误。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ 消费 channel 失败: %w", err)
	}
	defer ch.Close()

	prefetch := q.prefetch
	if prefetch <= 0 {
		prefetch = workerCount
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case msg, ok := <-deliveries:
					if !ok {
						if gctx.Err() != nil {
							return gctx.Err()
						}
						return errors.New("RabbitMQ 消费通道已关闭")
					}
					if err := handler(gctx, string(msg.Body)); err != nil {
						_ = msg.Nack(false, true)
						continue
					}
					_ = msg.Ack(false)
				}
			}
		})
	}
	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close 关闭发布通道与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if q.publishCh != nil {
		_ = q.publishCh.Close()
	}
	if q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}
