package tools

import (
	"context"

	"SprintPilot/internal/domain"
	"SprintPilot/pkg/plugin"
)

type projectArgs struct {
	ProjectID int64 `json:"project_id" jsonschema:"required,description=Project identifier"`
}

type sprintArgs struct {
	SprintID int64 `json:"sprint_id" jsonschema:"required,description=Sprint identifier"`
}

type velocityArgs struct {
	ProjectID   int64 `json:"project_id" jsonschema:"required,description=Project identifier"`
	SprintCount int   `json:"sprint_count,omitempty" jsonschema:"description=Number of most recent completed sprints to average,minimum=1,maximum=10"`
}

// SprintDetails 是 get_sprint_details 的返回值。
type SprintDetails struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	Goal           string        `json:"goal"`
	Status         string        `json:"status"`
	StartDate      string        `json:"start_date"`
	EndDate        string        `json:"end_date"`
	CapacityPoints int           `json:"capacity_points"`
	CommittedPts   int           `json:"committed_points"`
	Tasks          []TaskSummary `json:"tasks"`
}

// Velocity 是 get_team_velocity 的返回值。
type Velocity struct {
	SprintsConsidered int     `json:"sprints_considered"`
	PointsPerSprint   []int   `json:"points_per_sprint"`
	AveragePoints     float64 `json:"average_points"`
}

// SprintPlanning 返回迭代规划工具集。
func SprintPlanning(reader domain.Reader) plugin.FunctionSet {
	return plugin.FunctionSet{
		Name:        SprintPlanningSet,
		Description: "Backlog, sprint and velocity lookups used to plan a sprint",
		Functions: []plugin.Function{
			function("get_backlog_tasks", "List open backlog tasks of a project that are not assigned to any sprint, highest priority first",
				func(ctx context.Context, args projectArgs) ([]TaskSummary, error) {
					return backlog(ctx, reader, args.ProjectID)
				}),
			function("get_sprint_details", "Return a sprint with its goal, dates, capacity and committed tasks",
				func(ctx context.Context, args sprintArgs) (*SprintDetails, error) {
					return sprintDetails(ctx, reader, args.SprintID)
				}),
			function("get_team_velocity", "Average completed story points over the most recent completed sprints of a project",
				func(ctx context.Context, args velocityArgs) (*Velocity, error) {
					return TeamVelocity(ctx, reader, args.ProjectID, args.SprintCount)
				}),
		},
	}
}

func backlog(ctx context.Context, reader domain.Reader, projectID int64) ([]TaskSummary, error) {
	tasks, err := reader.ListProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	open := tasks[:0:0]
	for _, t := range tasks {
		if t.SprintID == nil && t.Status != domain.TaskDone {
			open = append(open, t)
		}
	}
	sortByPriority(open)
	return summarizeAll(open), nil
}

func sprintDetails(ctx context.Context, reader domain.Reader, sprintID int64) (*SprintDetails, error) {
	sprint, err := reader.GetSprint(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	tasks, err := reader.ListSprintTasks(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	details := &SprintDetails{
		ID:             sprint.ID,
		Name:           sprint.Name,
		Goal:           sprint.Goal,
		Status:         string(sprint.Status),
		StartDate:      formatDate(sprint.StartDate),
		EndDate:        formatDate(sprint.EndDate),
		CapacityPoints: sprint.CapacityPoints,
		Tasks:          summarizeAll(tasks),
	}
	for _, t := range tasks {
		details.CommittedPts += t.StoryPoints
	}
	return details, nil
}

// TeamVelocity 统计最近 count 个已完成迭代中完成的故事点。
func TeamVelocity(ctx context.Context, reader domain.Reader, projectID int64, count int) (*Velocity, error) {
	if count <= 0 {
		count = 3
	}
	sprints, err := reader.ListSprints(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var completed []domain.Sprint
	for _, s := range sprints {
		if s.Status == domain.SprintCompleted {
			completed = append(completed, s)
		}
	}
	if len(completed) > count {
		completed = completed[len(completed)-count:]
	}

	v := &Velocity{PointsPerSprint: []int{}}
	total := 0
	for _, s := range completed {
		tasks, err := reader.ListSprintTasks(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		points := 0
		for _, t := range tasks {
			if t.Status == domain.TaskDone {
				points += t.StoryPoints
			}
		}
		v.PointsPerSprint = append(v.PointsPerSprint, points)
		total += points
	}
	v.SprintsConsidered = len(completed)
	if v.SprintsConsidered > 0 {
		v.AveragePoints = float64(total) / float64(v.SprintsConsidered)
	}
	return v, nil
}
