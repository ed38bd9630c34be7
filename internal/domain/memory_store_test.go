package domain

import (
	"context"
	"os"
	"testing"
	"time"

	xerrors "SprintPilot/internal/errors"
)

func TestMemoryStoreLookups(t *testing.T) {
	store := NewMemoryStore()
	sprintID := int64(10)
	store.PutProject(Project{ID: 1, OrganizationID: 7, Name: "alpha"})
	store.PutSprint(Sprint{ID: sprintID, ProjectID: 1, Status: SprintActive})
	store.PutTask(Task{ID: 100, ProjectID: 1, SprintID: &sprintID, Status: TaskTodo, DependsOn: []int64{101}})
	store.PutTask(Task{ID: 101, ProjectID: 1, Status: TaskDone})

	ctx := context.Background()
	if _, err := store.GetProject(ctx, 2); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	tasks, err := store.ListProjectTasks(ctx, 1)
	if err != nil {
		t.Fatalf("list project tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != 100 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}

	sprintTasks, _ := store.ListSprintTasks(ctx, sprintID)
	if len(sprintTasks) != 1 {
		t.Fatalf("expected one sprint task, got %d", len(sprintTasks))
	}

	sprintTasks[0].DependsOn[0] = 999
	again, _ := store.GetTask(ctx, 100)
	if again.DependsOn[0] != 101 {
		t.Fatalf("store leaked internal slice")
	}
}

func TestMemoryStoreSaveRetrospective(t *testing.T) {
	store := NewMemoryStore()
	store.PutSprint(Sprint{ID: 3, ProjectID: 1, Status: SprintCompleted})

	ctx := context.Background()
	if err := store.SaveRetrospective(ctx, 3, "went well"); err != nil {
		t.Fatalf("save retrospective: %v", err)
	}
	sprint, _ := store.GetSprint(ctx, 3)
	if sprint.RetrospectiveNotes != "went well" {
		t.Fatalf("notes not saved: %+v", sprint)
	}
	if err := store.SaveRetrospective(ctx, 4, "x"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for missing sprint, got %v", err)
	}
}

func TestTaskOverdue(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	if !(Task{Status: TaskTodo, DueDate: &past}).Overdue(now) {
		t.Fatalf("open task past due date should be overdue")
	}
	if (Task{Status: TaskDone, DueDate: &past}).Overdue(now) {
		t.Fatalf("done task is never overdue")
	}
	if (Task{Status: TaskTodo}).Overdue(now) {
		t.Fatalf("task without due date is never overdue")
	}
}

func TestLoadFixtureYAML(t *testing.T) {
	path := t.TempDir() + "/fixture.yaml"
	content := `
projects:
  - id: 1
    organization_id: 7
    name: alpha
sprints:
  - id: 2
    project_id: 1
    status: Completed
    start_date: 2026-01-05T00:00:00Z
tasks:
  - id: 3
    project_id: 1
    sprint_id: 2
    status: Done
    depends_on: [4]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	fx, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	store := NewMemoryStore()
	store.Load(fx)

	task, err := store.GetTask(context.Background(), 3)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.SprintID == nil || *task.SprintID != 2 || task.DependsOn[0] != 4 {
		t.Fatalf("unexpected task: %+v", task)
	}
	sprint, _ := store.GetSprint(context.Background(), 2)
	if sprint.Status != SprintCompleted || sprint.StartDate.Year() != 2026 {
		t.Fatalf("unexpected sprint: %+v", sprint)
	}
}

func TestLoadDemoFixture(t *testing.T) {
	fx, err := LoadFixture("../../deploy/fixtures/demo.yaml")
	if err != nil {
		t.Fatalf("load demo fixture: %v", err)
	}
	if len(fx.Projects) != 1 || len(fx.Sprints) != 2 || len(fx.Tasks) != 5 {
		t.Fatalf("unexpected fixture size: %d/%d/%d", len(fx.Projects), len(fx.Sprints), len(fx.Tasks))
	}

	store := NewMemoryStore()
	store.Load(fx)
	blocked, err := store.GetTask(context.Background(), 102)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if blocked.Status != TaskBlocked || len(blocked.DependsOn) != 1 || blocked.DependsOn[0] != 103 {
		t.Fatalf("unexpected task: %+v", blocked)
	}
	backlog, err := store.GetTask(context.Background(), 104)
	if err != nil {
		t.Fatalf("get backlog task: %v", err)
	}
	if backlog.SprintID != nil {
		t.Fatalf("backlog task must not belong to a sprint")
	}
}
