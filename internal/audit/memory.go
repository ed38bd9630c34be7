package audit

import (
	"context"
	"sync"
)

// MemoryRepository 在内存中保存执行记录，用于测试与本地运行。
type MemoryRepository struct {
	mu      sync.RWMutex
	records []ExecutionRecord
}

// NewMemoryRepository 创建内存仓库。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Save 实现 Repository 接口。
func (m *MemoryRepository) Save(_ context.Context, record ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ToolsCalled = append([]string(nil), record.ToolsCalled...)
	m.records = append(m.records, record)
	return nil
}

// Recent 实现 Repository 接口，按写入顺序倒序返回。
func (m *MemoryRepository) Recent(_ context.Context, query Query) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ExecutionRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if !query.Matches(m.records[i]) {
			continue
		}
		out = append(out, m.records[i])
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

// All 返回全部记录的副本。
func (m *MemoryRepository) All() []ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ExecutionRecord(nil), m.records...)
}

// Matches 判断记录是否满足过滤条件。
func (q Query) Matches(r ExecutionRecord) bool {
	if q.OrganizationID > 0 && r.OrganizationID != q.OrganizationID {
		return false
	}
	if q.Capability != "" && r.AgentCapabilityID != q.Capability {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	return true
}
