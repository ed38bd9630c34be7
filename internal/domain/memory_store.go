package domain

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存领域快照，用于本地运行与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[int64]Project
	sprints  map[int64]Sprint
	tasks    map[int64]Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[int64]Project),
		sprints:  make(map[int64]Sprint),
		tasks:    make(map[int64]Task),
	}
}

// PutProject 写入或覆盖项目。
func (m *MemoryStore) PutProject(p Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
}

// PutSprint 写入或覆盖迭代。
func (m *MemoryStore) PutSprint(s Sprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sprints[s.ID] = s
}

// PutTask 写入或覆盖任务。
func (m *MemoryStore) PutTask(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.DependsOn = append([]int64(nil), t.DependsOn...)
	m.tasks[t.ID] = t
}

// GetProject 实现 Reader 接口。
func (m *MemoryStore) GetProject(_ context.Context, id int64) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound(id)
	}
	return &p, nil
}

// GetSprint 实现 Reader 接口。
func (m *MemoryStore) GetSprint(_ context.Context, id int64) (*Sprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sprints[id]
	if !ok {
		return nil, ErrSprintNotFound(id)
	}
	return &s, nil
}

// GetTask 实现 Reader 接口。
func (m *MemoryStore) GetTask(_ context.Context, id int64) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound(id)
	}
	clone := cloneTask(t)
	return &clone, nil
}

// ListSprints 返回项目下的全部迭代，按开始时间排序。
func (m *MemoryStore) ListSprints(_ context.Context, projectID int64) ([]Sprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sprint
	for _, s := range m.sprints {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out, nil
}

// ListProjectTasks 返回项目下的全部任务。
func (m *MemoryStore) ListProjectTasks(_ context.Context, projectID int64) ([]Task, error) {
	return m.filterTasks(func(t Task) bool { return t.ProjectID == projectID }), nil
}

// ListSprintTasks 返回迭代中的全部任务。
func (m *MemoryStore) ListSprintTasks(_ context.Context, sprintID int64) ([]Task, error) {
	return m.filterTasks(func(t Task) bool { return t.SprintID != nil && *t.SprintID == sprintID }), nil
}

// SaveRetrospective 回写迭代回顾内容。
func (m *MemoryStore) SaveRetrospective(_ context.Context, sprintID int64, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sprints[sprintID]
	if !ok {
		return ErrSprintNotFound(sprintID)
	}
	s.RetrospectiveNotes = notes
	m.sprints[sprintID] = s
	return nil
}

func (m *MemoryStore) filterTasks(keep func(Task) bool) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneTask(t Task) Task {
	t.DependsOn = append([]int64(nil), t.DependsOn...)
	return t
}

var _ Store = (*MemoryStore)(nil)
