package tools

import (
	"context"

	"SprintPilot/internal/domain"
	"SprintPilot/pkg/plugin"
)

type taskArgs struct {
	TaskID int64 `json:"task_id" jsonschema:"required,description=Task identifier"`
}

// Dependency 描述任务的一个前置依赖及其状态。
type Dependency struct {
	ID      int64  `json:"id"`
	Title   string `json:"title,omitempty"`
	Status  string `json:"status,omitempty"`
	Missing bool   `json:"missing,omitempty"`
}

// TaskDetails 是 get_task_details 的返回值。
type TaskDetails struct {
	TaskSummary
	Description  string       `json:"description"`
	SprintID     *int64       `json:"sprint_id,omitempty"`
	Dependencies []Dependency `json:"dependencies"`
	BlockedBy    []int64      `json:"blocked_by"`
	Dependents   []int64      `json:"dependents"`
}

// DependencyAnalysis 返回依赖分析工具集。
func DependencyAnalysis(reader domain.Reader) plugin.FunctionSet {
	return plugin.FunctionSet{
		Name:        DependencyAnalysisSet,
		Description: "Task listings and dependency lookups used to analyze a project's task graph",
		Functions: []plugin.Function{
			function("list_project_tasks", "List every task of a project with status, points and declared dependencies",
				func(ctx context.Context, args projectArgs) ([]TaskSummary, error) {
					tasks, err := reader.ListProjectTasks(ctx, args.ProjectID)
					if err != nil {
						return nil, err
					}
					return summarizeAll(tasks), nil
				}),
			function("get_task_details", "Return one task with its resolved dependencies, unfinished blockers and dependent tasks",
				func(ctx context.Context, args taskArgs) (*TaskDetails, error) {
					return taskDetails(ctx, reader, args.TaskID)
				}),
		},
	}
}

func taskDetails(ctx context.Context, reader domain.Reader, taskID int64) (*TaskDetails, error) {
	task, err := reader.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	siblings, err := reader.ListProjectTasks(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]domain.Task, len(siblings))
	for _, t := range siblings {
		byID[t.ID] = t
	}

	details := &TaskDetails{
		TaskSummary:  summarize(*task),
		Description:  task.Description,
		SprintID:     task.SprintID,
		Dependencies: []Dependency{},
		BlockedBy:    []int64{},
		Dependents:   []int64{},
	}
	for _, depID := range task.DependsOn {
		dep, ok := byID[depID]
		if !ok {
			details.Dependencies = append(details.Dependencies, Dependency{ID: depID, Missing: true})
			continue
		}
		details.Dependencies = append(details.Dependencies, Dependency{ID: dep.ID, Title: dep.Title, Status: string(dep.Status)})
		if dep.Status != domain.TaskDone {
			details.BlockedBy = append(details.BlockedBy, dep.ID)
		}
	}
	for _, t := range siblings {
		for _, depID := range t.DependsOn {
			if depID == task.ID {
				details.Dependents = append(details.Dependents, t.ID)
				break
			}
		}
	}
	return details, nil
}
