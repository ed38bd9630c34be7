package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。URL 非空时优先使用 URL。
type Config struct {
	URL         string
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Options 将配置转换为 go-redis 的连接选项。
func (c Config) Options() (*goredis.Options, error) {
	if url := strings.TrimSpace(c.URL); url != "" {
		opts, err := goredis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("解析 Redis URL 失败: %w", err)
		}
		if c.Password != "" {
			opts.Password = c.Password
		}
		return opts, nil
	}
	if strings.TrimSpace(c.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &goredis.Options{
		Addr:        c.Address,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: timeout,
	}, nil
}

// Open 创建客户端并通过 PING 校验连通性。
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}
