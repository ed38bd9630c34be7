package tools

import (
	"context"
	"time"

	"SprintPilot/internal/domain"
	"SprintPilot/pkg/plugin"
)

// SprintMetrics 是 get_sprint_metrics 的返回值。
type SprintMetrics struct {
	SprintID        int64          `json:"sprint_id"`
	Name            string         `json:"name"`
	Goal            string         `json:"goal"`
	TotalTasks      int            `json:"total_tasks"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	PlannedPoints   int            `json:"planned_points"`
	CompletedPoints int            `json:"completed_points"`
	CapacityPoints  int            `json:"capacity_points"`
	CompletionRate  float64        `json:"completion_rate"`
	OverdueTasks    int            `json:"overdue_tasks"`
	CarriedOver     []int64        `json:"carried_over"`
}

// Retrospective 返回迭代回顾工具集。
func Retrospective(reader domain.Reader) plugin.FunctionSet {
	return plugin.FunctionSet{
		Name:        RetrospectiveSet,
		Description: "Completed sprint metrics and task listings used to write a retrospective",
		Functions: []plugin.Function{
			function("get_sprint_metrics", "Return completion metrics of a sprint: points planned and completed, tasks by status, overdue and unfinished tasks",
				func(ctx context.Context, args sprintArgs) (*SprintMetrics, error) {
					return Metrics(ctx, reader, args.SprintID, time.Now())
				}),
			function("list_sprint_tasks", "List every task committed to a sprint",
				func(ctx context.Context, args sprintArgs) ([]TaskSummary, error) {
					tasks, err := reader.ListSprintTasks(ctx, args.SprintID)
					if err != nil {
						return nil, err
					}
					return summarizeAll(tasks), nil
				}),
		},
	}
}

// Metrics 计算迭代的完成度指标；逾期以迭代结束时间与 now 中较早者为准。
func Metrics(ctx context.Context, reader domain.Reader, sprintID int64, now time.Time) (*SprintMetrics, error) {
	sprint, err := reader.GetSprint(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	tasks, err := reader.ListSprintTasks(ctx, sprintID)
	if err != nil {
		return nil, err
	}

	cutoff := now
	if !sprint.EndDate.IsZero() && sprint.EndDate.Before(now) {
		cutoff = sprint.EndDate
	}

	m := &SprintMetrics{
		SprintID:       sprint.ID,
		Name:           sprint.Name,
		Goal:           sprint.Goal,
		TotalTasks:     len(tasks),
		TasksByStatus:  make(map[string]int, len(domain.TaskStatuses)),
		CapacityPoints: sprint.CapacityPoints,
		CarriedOver:    []int64{},
	}
	for _, status := range domain.TaskStatuses {
		m.TasksByStatus[string(status)] = 0
	}
	for _, t := range tasks {
		m.TasksByStatus[string(t.Status)]++
		m.PlannedPoints += t.StoryPoints
		if t.Status == domain.TaskDone {
			m.CompletedPoints += t.StoryPoints
			continue
		}
		m.CarriedOver = append(m.CarriedOver, t.ID)
		if t.Overdue(cutoff) {
			m.OverdueTasks++
		}
	}
	if m.PlannedPoints > 0 {
		m.CompletionRate = float64(m.CompletedPoints) / float64(m.PlannedPoints)
	}
	return m, nil
}
