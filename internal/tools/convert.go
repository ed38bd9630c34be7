package tools

import (
	"sort"
	"strings"
	"time"

	"SprintPilot/internal/domain"
)

func summarize(t domain.Task) TaskSummary {
	s := TaskSummary{
		ID:          t.ID,
		Title:       t.Title,
		Status:      string(t.Status),
		Priority:    t.Priority,
		StoryPoints: t.StoryPoints,
		AssigneeID:  t.AssigneeID,
		DependsOn:   t.DependsOn,
	}
	if t.DueDate != nil {
		s.DueDate = t.DueDate.Format(time.DateOnly)
	}
	return s
}

func summarizeAll(tasks []domain.Task) []TaskSummary {
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarize(t))
	}
	return out
}

// PriorityRank 将优先级映射为排序权重，数值越小越靠前。
func PriorityRank(priority string) int {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "critical", "urgent":
		return 0
	case "high":
		return 1
	case "medium", "normal":
		return 2
	case "low":
		return 3
	default:
		return 4
	}
}

func sortByPriority(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := PriorityRank(tasks[i].Priority), PriorityRank(tasks[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}
