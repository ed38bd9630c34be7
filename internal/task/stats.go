package task

// Stats 聚合了任务状态的统计信息，常用于命令行概览或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(job *Job) {
	s.Total++
	switch job.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if job.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = job.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (job.UpdatedAt != 0 && job.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = job.UpdatedAt
	}
}
