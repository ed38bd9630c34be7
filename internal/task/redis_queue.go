package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueueConfig 描述 Redis 队列参数，连接由调用方提供。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现简单的任务队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client goredis.UniversalClient
	queue  string
	wait   time.Duration
}

// NewRedisQueue 基于已有连接创建 Redis 队列。
func NewRedisQueue(client goredis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "sprintpilot:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Len 返回队列长度。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

// Consume 通过 BRPOP 从 Redis 获取任务。任一工作协程遇到连接错误时全部退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				values, err := q.client.BRPop(gctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, goredis.Nil) {
						continue
					}
					if gctx.Err() != nil {
						return gctx.Err()
					}
					return fmt.Errorf("Redis 取任务失败: %w", err)
				}
				if len(values) != 2 {
					continue
				}
				jobID := values[1]
				if handlerErr := handler(gctx, jobID); handlerErr != nil {
					// 处理失败或因关闭被退回时放回队尾。
					_ = q.client.RPush(context.WithoutCancel(gctx), q.queue, jobID).Err()
				}
			}
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close 对共享连接无需操作，连接由创建方关闭。
func (q *RedisQueue) Close() error {
	return nil
}
