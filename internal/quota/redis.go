package quota

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// consumeScript 原子地检查并扣减固定窗口计数器。
// KEYS[1]=计数键 ARGV[1]=上限 ARGV[2]=扣减量 ARGV[3]=窗口秒数 ARGV[4]=是否强制累加
var consumeScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local force = ARGV[4] == "1"
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local need = amount
if need < 1 then need = 1 end
if not force and limit > 0 and used + need > limit then
  return {0, used}
end
if amount > 0 then
  used = redis.call("INCRBY", KEYS[1], amount)
  if redis.call("TTL", KEYS[1]) < 0 then
    redis.call("EXPIRE", KEYS[1], ttl)
  end
end
return {1, used}
`)

// RedisService 使用 Redis 固定窗口计数器实现跨实例共享的配额。
type RedisService struct {
	client goredis.Scripter
	policy Policy
	prefix string
	now    func() time.Time
}

// NewRedisService 创建 Redis 配额服务。
func NewRedisService(client goredis.Scripter, policy Policy, prefix string) *RedisService {
	if prefix == "" {
		prefix = "sprintpilot:quota"
	}
	return &RedisService{client: client, policy: policy, prefix: prefix, now: time.Now}
}

// Consume 实现 Service 接口。
func (s *RedisService) Consume(ctx context.Context, organizationID int64, dim Dimension, amount int64) (Outcome, error) {
	limit := s.policy.LimitFor(organizationID, dim)
	ok, used, err := s.run(ctx, organizationID, dim, amount, limit, false)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Allowed: ok, Dimension: dim, Used: used, Limit: limit}, nil
}

// Record 实现 Service 接口。
func (s *RedisService) Record(ctx context.Context, organizationID int64, dim Dimension, amount int64) error {
	_, _, err := s.run(ctx, organizationID, dim, amount, 0, true)
	return err
}

func (s *RedisService) run(ctx context.Context, organizationID int64, dim Dimension, amount, limit int64, force bool) (bool, int64, error) {
	window := s.policy.window()
	start := s.now().Truncate(window)
	key := fmt.Sprintf("%s:%d:%s:%d", s.prefix, organizationID, dim, start.Unix())
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	ttl := int64(window / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	values, err := consumeScript.Run(ctx, s.client, []string{key}, limit, amount, ttl, forceArg).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis quota script: %w", err)
	}
	if len(values) != 2 {
		return false, 0, fmt.Errorf("redis quota script returned %d values", len(values))
	}
	return values[0] == 1, values[1], nil
}
