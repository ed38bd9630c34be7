package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"SprintPilot/internal/domain"
)

const (
	projectColumns = `id, organization_id, name, description, status, created_at`
	sprintColumns  = `id, project_id, name, goal, status, start_date, end_date, capacity_points, retrospective_notes`
	taskColumns    = `id, project_id, sprint_id, title, description, status, priority, story_points, assignee_id, due_date`
)

// DomainStore 从快照表读取项目、迭代与任务。
type DomainStore struct {
	db *DB
}

// NewDomainStore 创建 DomainStore。
func NewDomainStore(db *DB) *DomainStore {
	return &DomainStore{db: db}
}

// GetProject 实现 domain.Reader。
func (s *DomainStore) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	var (
		p         domain.Project
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Description, &p.Status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProjectNotFound(id)
		}
		return nil, fmt.Errorf("查询项目失败: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

// GetSprint 实现 domain.Reader。
func (s *DomainStore) GetSprint(ctx context.Context, id int64) (*domain.Sprint, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id = ?`, id)
	sprint, err := scanSprint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSprintNotFound(id)
		}
		return nil, fmt.Errorf("查询迭代失败: %w", err)
	}
	return &sprint, nil
}

// GetTask 实现 domain.Reader。
func (s *DomainStore) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound(id)
		}
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	tasks := []domain.Task{task}
	if err := s.attachDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

// ListSprints 返回项目下的迭代，按开始时间排序。
func (s *DomainStore) ListSprints(ctx context.Context, projectID int64) ([]domain.Sprint, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE project_id = ? ORDER BY start_date, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("查询迭代列表失败: %w", err)
	}
	defer rows.Close()

	var sprints []domain.Sprint
	for rows.Next() {
		sprint, err := scanSprint(rows)
		if err != nil {
			return nil, fmt.Errorf("解析迭代失败: %w", err)
		}
		sprints = append(sprints, sprint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历迭代失败: %w", err)
	}
	return sprints, nil
}

// ListProjectTasks 返回项目下的全部任务。
func (s *DomainStore) ListProjectTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id`, projectID)
}

// ListSprintTasks 返回迭代中的全部任务。
func (s *DomainStore) ListSprintTasks(ctx context.Context, sprintID int64) ([]domain.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE sprint_id = ? ORDER BY id`, sprintID)
}

// SaveRetrospective 回写迭代回顾内容。
func (s *DomainStore) SaveRetrospective(ctx context.Context, sprintID int64, notes string) error {
	result, err := s.db.db.ExecContext(ctx, `UPDATE sprints SET retrospective_notes = ? WHERE id = ?`, notes, sprintID)
	if err != nil {
		return fmt.Errorf("写入迭代回顾失败: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return nil
	}
	// MySQL 在值未变化时返回 0 行，需要再确认记录是否存在。
	var one int
	if err := s.db.db.QueryRowContext(ctx, `SELECT 1 FROM sprints WHERE id = ?`, sprintID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSprintNotFound(sprintID)
		}
		return fmt.Errorf("查询迭代失败: %w", err)
	}
	return nil
}

// Import 在单个事务内写入快照，已存在的行被覆盖。
func (s *DomainStore) Import(ctx context.Context, fx *domain.Fixture) error {
	if fx == nil {
		return nil
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启导入事务失败: %w", err)
	}

	if err := importFixture(ctx, tx, fx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交导入事务失败: %w", err)
	}
	return nil
}

func importFixture(ctx context.Context, tx *sql.Tx, fx *domain.Fixture) error {
	for _, p := range fx.Projects {
		if _, err := tx.ExecContext(ctx, `REPLACE INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.OrganizationID, p.Name, p.Description, p.Status, toMillis(p.CreatedAt)); err != nil {
			return fmt.Errorf("导入项目 %d 失败: %w", p.ID, err)
		}
	}
	for _, sp := range fx.Sprints {
		var notes sql.NullString
		if sp.RetrospectiveNotes != "" {
			notes = sql.NullString{String: sp.RetrospectiveNotes, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `REPLACE INTO sprints (`+sprintColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.ProjectID, sp.Name, sp.Goal, string(sp.Status), toMillis(sp.StartDate), toMillis(sp.EndDate), sp.CapacityPoints, notes); err != nil {
			return fmt.Errorf("导入迭代 %d 失败: %w", sp.ID, err)
		}
	}
	for _, t := range fx.Tasks {
		var sprintID, dueDate sql.NullInt64
		if t.SprintID != nil {
			sprintID = sql.NullInt64{Int64: *t.SprintID, Valid: true}
		}
		if t.DueDate != nil {
			dueDate = sql.NullInt64{Int64: toMillis(*t.DueDate), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `REPLACE INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, sprintID, t.Title, t.Description, string(t.Status), t.Priority, t.StoryPoints, t.AssigneeID, dueDate); err != nil {
			return fmt.Errorf("导入任务 %d 失败: %w", t.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
			return fmt.Errorf("清理任务 %d 依赖失败: %w", t.ID, err)
		}
		for _, dep := range t.DependsOn {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, t.ID, dep); err != nil {
				return fmt.Errorf("导入任务 %d 依赖失败: %w", t.ID, err)
			}
		}
	}
	return nil
}

func (s *DomainStore) listTasks(ctx context.Context, query string, arg int64) ([]domain.Task, error) {
	rows, err := s.db.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("解析任务失败: %w", err)
		}
		tasks = append(tasks, task)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("遍历任务失败: %w", err)
	}

	if err := s.attachDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// attachDependencies 必须在结果集关闭后调用，SQLite 只有一个连接。
func (s *DomainStore) attachDependencies(ctx context.Context, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	index := make(map[int64]int, len(tasks))
	placeholders := make([]string, len(tasks))
	args := make([]any, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
		placeholders[i] = "?"
		args[i] = t.ID
	}

	rows, err := s.db.db.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_dependencies
        WHERE task_id IN (`+strings.Join(placeholders, ", ")+`) ORDER BY task_id, depends_on_id`, args...)
	if err != nil {
		return fmt.Errorf("查询任务依赖失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dependsOn int64
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return fmt.Errorf("解析任务依赖失败: %w", err)
		}
		if i, ok := index[taskID]; ok {
			tasks[i].DependsOn = append(tasks[i].DependsOn, dependsOn)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("遍历任务依赖失败: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSprint(row rowScanner) (domain.Sprint, error) {
	var (
		sprint     domain.Sprint
		status     string
		start, end int64
		notes      sql.NullString
	)
	if err := row.Scan(&sprint.ID, &sprint.ProjectID, &sprint.Name, &sprint.Goal, &status, &start, &end, &sprint.CapacityPoints, &notes); err != nil {
		return domain.Sprint{}, err
	}
	sprint.Status = domain.SprintStatus(status)
	sprint.StartDate = fromMillis(start)
	sprint.EndDate = fromMillis(end)
	sprint.RetrospectiveNotes = notes.String
	return sprint, nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		task     domain.Task
		status   string
		sprintID sql.NullInt64
		dueDate  sql.NullInt64
	)
	if err := row.Scan(&task.ID, &task.ProjectID, &sprintID, &task.Title, &task.Description, &status,
		&task.Priority, &task.StoryPoints, &task.AssigneeID, &dueDate); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskStatus(status)
	if sprintID.Valid {
		id := sprintID.Int64
		task.SprintID = &id
	}
	if dueDate.Valid {
		due := fromMillis(dueDate.Int64)
		task.DueDate = &due
	}
	return task, nil
}

var _ domain.Store = (*DomainStore)(nil)
