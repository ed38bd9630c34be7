package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryService 使用固定时间窗口在内存中计数，适用于单实例部署与测试。
type MemoryService struct {
	mu       sync.Mutex
	policy   Policy
	counters map[counterKey]*counter
	now      func() time.Time
}

type counterKey struct {
	org int64
	dim Dimension
}

type counter struct {
	windowStart time.Time
	used        int64
}

// NewMemoryService 创建内存配额服务。
func NewMemoryService(policy Policy) *MemoryService {
	return &MemoryService{
		policy:   policy,
		counters: make(map[counterKey]*counter),
		now:      time.Now,
	}
}

// Consume 实现 Service 接口。
func (s *MemoryService) Consume(_ context.Context, organizationID int64, dim Dimension, amount int64) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.current(organizationID, dim)
	limit := s.policy.LimitFor(organizationID, dim)
	if !allowed(c.used, amount, limit) {
		return Outcome{Allowed: false, Dimension: dim, Used: c.used, Limit: limit}, nil
	}
	c.used += amount
	return Outcome{Allowed: true, Dimension: dim, Used: c.used, Limit: limit}, nil
}

// Record 实现 Service 接口。
func (s *MemoryService) Record(_ context.Context, organizationID int64, dim Dimension, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current(organizationID, dim).used += amount
	return nil
}

// Used 返回当前窗口内的已用量。
func (s *MemoryService) Used(organizationID int64, dim Dimension) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(organizationID, dim).used
}

func (s *MemoryService) current(organizationID int64, dim Dimension) *counter {
	key := counterKey{org: organizationID, dim: dim}
	start := s.now().Truncate(s.policy.window())
	c, ok := s.counters[key]
	if !ok || !c.windowStart.Equal(start) {
		c = &counter{windowStart: start}
		s.counters[key] = c
	}
	return c
}
