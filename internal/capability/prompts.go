package capability

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"SprintPilot/internal/domain"
	"SprintPilot/internal/tools"
)

const improveSystemPrompt = `You are an experienced agile coach helping a software team write clear work items.
Rewrite the task description you are given so that it has:
- a one-sentence summary of the goal,
- the context a new team member needs,
- concrete, testable acceptance criteria as a bulleted list,
- open questions, if any.
Keep the original intent. Do not invent requirements. Answer in the language of the input.`

const risksSystemPrompt = `You are a delivery manager reviewing the health of a software project.
From the statistics provided, identify the most important delivery risks (schedule, scope, blocked work, ownership gaps, capacity).
For each risk give: a short title, severity (high/medium/low), the evidence from the statistics and one mitigation.
Order risks by severity. Be specific and do not speculate beyond the data.`

const planSystemPrompt = `You are an agile planning assistant.
Propose which backlog tasks should be committed to the sprint described below.
Use the available tools to read the backlog, the sprint details and the team velocity before answering.
Respect the sprint capacity and the team velocity, prefer higher priority work and keep dependencies together.
Return the proposed task list with story points, the total committed points and a short rationale.`

const dependenciesSystemPrompt = `You are a technical lead analysing task dependencies in a software project.
Use the available tools to list the project's tasks and inspect their dependencies.
Report: dependency chains that gate delivery, tasks blocked by unfinished work, any circular dependencies and a suggested execution order.
Refer to tasks by id and title.`

const retrospectiveSystemPrompt = `You are a scrum master facilitating a sprint retrospective.
Use the available tools to read the sprint metrics and its tasks.
Write the retrospective with the sections: Summary, What went well, What did not go well, Action items.
Ground every statement in the metrics and tasks; keep action items concrete and assignable.`

func improveUserPrompt(text string) string {
	return "Task description to improve:\n\n" + text
}

// riskStats 是风险分析使用的项目统计。
type riskStats struct {
	TasksByStatus    map[domain.TaskStatus]int
	TotalTasks       int
	OverdueTasks     int
	BlockedTasks     int
	UnassignedTasks  int
	TotalPoints      int
	CompletedPoints  int
	ActiveSprints    []domain.Sprint
	PlannedSprints   int
	CompletedSprints int
	Velocity         *tools.Velocity
}

func risksUserPrompt(project *domain.Project, stats riskStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s (id %d)\n", project.Name, project.ID)
	if project.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", project.Description)
	}
	fmt.Fprintf(&b, "\nTasks: %d in total, %d story points, %d points done.\n", stats.TotalTasks, stats.TotalPoints, stats.CompletedPoints)
	for _, status := range domain.TaskStatuses {
		fmt.Fprintf(&b, "- %s: %d\n", status, stats.TasksByStatus[status])
	}
	fmt.Fprintf(&b, "Overdue tasks: %d\n", stats.OverdueTasks)
	fmt.Fprintf(&b, "Blocked tasks: %d\n", stats.BlockedTasks)
	fmt.Fprintf(&b, "Unassigned open tasks: %d\n", stats.UnassignedTasks)

	fmt.Fprintf(&b, "\nSprints: %d active, %d planned, %d completed.\n", len(stats.ActiveSprints), stats.PlannedSprints, stats.CompletedSprints)
	for _, s := range stats.ActiveSprints {
		fmt.Fprintf(&b, "- Active sprint %q ends %s, capacity %d points\n", s.Name, formatDay(s.EndDate), s.CapacityPoints)
	}
	if stats.Velocity != nil && stats.Velocity.SprintsConsidered > 0 {
		fmt.Fprintf(&b, "Average velocity over the last %d sprints: %.1f points\n", stats.Velocity.SprintsConsidered, stats.Velocity.AveragePoints)
	}
	return b.String()
}

func planUserPrompt(project *domain.Project, sprint *domain.Sprint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s (project_id %d)\n", project.Name, project.ID)
	fmt.Fprintf(&b, "Sprint: %s (sprint_id %d), status %s\n", sprint.Name, sprint.ID, sprint.Status)
	if sprint.Goal != "" {
		fmt.Fprintf(&b, "Sprint goal: %s\n", sprint.Goal)
	}
	fmt.Fprintf(&b, "Dates: %s to %s\n", formatDay(sprint.StartDate), formatDay(sprint.EndDate))
	fmt.Fprintf(&b, "Capacity: %d story points\n", sprint.CapacityPoints)
	return b.String()
}

func dependenciesUserPrompt(project *domain.Project) string {
	return fmt.Sprintf("Project: %s (project_id %d)\nAnalyse the dependencies between the tasks of this project.", project.Name, project.ID)
}

func retrospectiveUserPrompt(sprint *domain.Sprint, metrics *tools.SprintMetrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sprint: %s (sprint_id %d)\n", sprint.Name, sprint.ID)
	if sprint.Goal != "" {
		fmt.Fprintf(&b, "Sprint goal: %s\n", sprint.Goal)
	}
	fmt.Fprintf(&b, "Dates: %s to %s\n", formatDay(sprint.StartDate), formatDay(sprint.EndDate))
	if metrics != nil {
		fmt.Fprintf(&b, "Completed %d of %d planned story points (capacity %d).\n",
			metrics.CompletedPoints, metrics.PlannedPoints, metrics.CapacityPoints)
		statuses := make([]string, 0, len(metrics.TasksByStatus))
		for status, n := range metrics.TasksByStatus {
			statuses = append(statuses, fmt.Sprintf("%s=%d", status, n))
		}
		sort.Strings(statuses)
		fmt.Fprintf(&b, "Tasks by status: %s\n", strings.Join(statuses, ", "))
		fmt.Fprintf(&b, "Unfinished tasks carried over: %d, overdue: %d\n", len(metrics.CarriedOver), metrics.OverdueTasks)
	}
	return b.String()
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return "unscheduled"
	}
	return t.Format("2006-01-02")
}
