// Package domain holds the read-only snapshots of projects, sprints and tasks
// that the agent core consumes. The entities are owned and persisted by the
// surrounding application; this package only defines their shape and the
// lookups the capabilities and tool functions need.
package domain

import (
	"context"
	"fmt"
	"time"

	xerrors "SprintPilot/internal/errors"
)

// SprintStatus 表示迭代状态。
type SprintStatus string

const (
	SprintPlanned   SprintStatus = "Planned"
	SprintActive    SprintStatus = "Active"
	SprintCompleted SprintStatus = "Completed"
	SprintCancelled SprintStatus = "Cancelled"
)

// TaskStatus 表示任务状态。
type TaskStatus string

const (
	TaskTodo       TaskStatus = "Todo"
	TaskInProgress TaskStatus = "InProgress"
	TaskInReview   TaskStatus = "InReview"
	TaskDone       TaskStatus = "Done"
	TaskBlocked    TaskStatus = "Blocked"
)

// TaskStatuses 按展示顺序列出全部任务状态。
var TaskStatuses = []TaskStatus{TaskTodo, TaskInProgress, TaskInReview, TaskDone, TaskBlocked}

// Project 是项目的只读快照。
type Project struct {
	ID             int64     `json:"id" yaml:"id"`
	OrganizationID int64     `json:"organization_id" yaml:"organization_id"`
	Name           string    `json:"name" yaml:"name"`
	Description    string    `json:"description" yaml:"description"`
	Status         string    `json:"status" yaml:"status"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

// Sprint 是迭代的只读快照。
type Sprint struct {
	ID                 int64        `json:"id" yaml:"id"`
	ProjectID          int64        `json:"project_id" yaml:"project_id"`
	Name               string       `json:"name" yaml:"name"`
	Goal               string       `json:"goal" yaml:"goal"`
	Status             SprintStatus `json:"status" yaml:"status"`
	StartDate          time.Time    `json:"start_date" yaml:"start_date"`
	EndDate            time.Time    `json:"end_date" yaml:"end_date"`
	CapacityPoints     int          `json:"capacity_points" yaml:"capacity_points"`
	RetrospectiveNotes string       `json:"retrospective_notes,omitempty" yaml:"retrospective_notes,omitempty"`
}

// Task 是任务的只读快照。
type Task struct {
	ID          int64      `json:"id" yaml:"id"`
	ProjectID   int64      `json:"project_id" yaml:"project_id"`
	SprintID    *int64     `json:"sprint_id,omitempty" yaml:"sprint_id,omitempty"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	Status      TaskStatus `json:"status" yaml:"status"`
	Priority    string     `json:"priority" yaml:"priority"`
	StoryPoints int        `json:"story_points" yaml:"story_points"`
	AssigneeID  string     `json:"assignee_id,omitempty" yaml:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	DependsOn   []int64    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Overdue 判断任务在 now 时是否已逾期且未完成。
func (t Task) Overdue(now time.Time) bool {
	return t.DueDate != nil && t.Status != TaskDone && t.DueDate.Before(now)
}

// Reader 定义能力调度与工具函数所需的只读查询。
type Reader interface {
	GetProject(ctx context.Context, id int64) (*Project, error)
	GetSprint(ctx context.Context, id int64) (*Sprint, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListSprints(ctx context.Context, projectID int64) ([]Sprint, error)
	ListProjectTasks(ctx context.Context, projectID int64) ([]Task, error)
	ListSprintTasks(ctx context.Context, sprintID int64) ([]Task, error)
}

// RetrospectiveWriter 是唯一允许的领域写操作：回写迭代回顾内容。
type RetrospectiveWriter interface {
	SaveRetrospective(ctx context.Context, sprintID int64, notes string) error
}

// Store 同时具备读取与回顾回写能力。
type Store interface {
	Reader
	RetrospectiveWriter
}

// ErrProjectNotFound 等构造函数返回统一的 NOT_FOUND 错误。
func ErrProjectNotFound(id int64) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("project %d not found", id),
		xerrors.WithMetadata("entity", "project"),
		xerrors.WithMetadata("id", fmt.Sprint(id)))
}

// ErrSprintNotFound 返回迭代不存在错误。
func ErrSprintNotFound(id int64) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("sprint %d not found", id),
		xerrors.WithMetadata("entity", "sprint"),
		xerrors.WithMetadata("id", fmt.Sprint(id)))
}

// ErrTaskNotFound 返回任务不存在错误。
func ErrTaskNotFound(id int64) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("task %d not found", id),
		xerrors.WithMetadata("entity", "task"),
		xerrors.WithMetadata("id", fmt.Sprint(id)))
}
