package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "SprintPilot/internal/errors"
	"SprintPilot/internal/task"
)

const jobColumns = `id, capability, organization_id, user_id, project_id, sprint_id, input_text, status,
        attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// JobRepository 使用 capability_jobs 表记录异步任务状态。
type JobRepository struct {
	db  *DB
	now func() time.Time
}

// NewJobRepository 基于连接池创建仓库。
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (r *JobRepository) Create(ctx context.Context, job *task.Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := r.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	stmt := `INSERT INTO capability_jobs (` + jobColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?)`
	_, err := r.db.db.ExecContext(ctx, stmt,
		job.ID,
		job.Capability,
		job.OrganizationID,
		job.UserID,
		job.ProjectID,
		job.SprintID,
		job.Text,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if duplicateKey(err) {
			return task.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (r *JobRepository) Get(ctx context.Context, id string) (*task.Job, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM capability_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (r *JobRepository) Claim(ctx context.Context, id string) (*task.Job, error) {
	const stmt = `UPDATE capability_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := r.db.db.ExecContext(ctx, stmt,
		string(task.StatusRunning),
		r.now().Unix(),
		id,
		string(task.StatusPending),
		string(task.StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch {
	case job.Status == task.StatusSucceeded:
		return job, task.ErrJobCompleted
	case job.Status != task.StatusRunning && job.Attempts >= job.MaxRetries:
		return job, task.ErrJobExhausted
	default:
		return job, task.ErrJobConflict
	}
}

// MarkSucceeded 将任务标记为成功。
func (r *JobRepository) MarkSucceeded(ctx context.Context, id string, result task.Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务结果失败")
	}
	const stmt = `UPDATE capability_jobs SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	return r.update(ctx, stmt, "标记任务成功失败", string(task.StatusSucceeded), string(encoded), r.now().Unix(), id)
}

// MarkFailed 将任务标记为失败；终止时将尝试次数拉满。
func (r *JobRepository) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE capability_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	if terminal {
		stmt = `UPDATE capability_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        attempts = CASE WHEN attempts < max_retries THEN max_retries ELSE attempts END WHERE id = ?`
	}
	return r.update(ctx, stmt, "标记任务失败失败", string(task.StatusFailed), lastError, string(code), r.now().Unix(), id)
}

// Release 将运行中的任务退回待处理并撤销一次尝试。
func (r *JobRepository) Release(ctx context.Context, id string) error {
	const stmt = `UPDATE capability_jobs SET status = ?, updated_at = ?,
        attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END WHERE id = ? AND status = ?`
	err := r.update(ctx, stmt, "退回任务失败", string(task.StatusPending), r.now().Unix(), id, string(task.StatusRunning))
	if errors.Is(err, task.ErrJobNotFound) {
		if _, getErr := r.Get(ctx, id); getErr == nil {
			return task.ErrJobConflict
		}
	}
	return err
}

func (r *JobRepository) update(ctx context.Context, stmt, message string, args ...any) error {
	res, err := r.db.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrJobNotFound
	}
	return nil
}

// List 返回符合条件的任务。
func (r *JobRepository) List(ctx context.Context, opts task.ListOptions) ([]*task.Job, error) {
	opts.Normalize()

	query := `SELECT ` + jobColumns + ` FROM capability_jobs`
	clause, args := buildJobFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == task.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*task.Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (r *JobRepository) Stats(ctx context.Context, opts task.ListOptions) (task.Stats, error) {
	opts.Normalize()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM capability_jobs`
	clause, filterArgs := buildJobFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(task.StatusPending), string(task.StatusRunning), string(task.StatusSucceeded), string(task.StatusFailed)}
	args = append(args, filterArgs...)

	var stats task.Stats
	if err := r.db.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return task.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 不关闭共享连接池，连接池由创建方关闭。
func (r *JobRepository) Close() error {
	return nil
}

func scanJob(row rowScanner) (*task.Job, error) {
	var (
		job    task.Job
		status string
		result sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Capability,
		&job.OrganizationID,
		&job.UserID,
		&job.ProjectID,
		&job.SprintID,
		&job.Text,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&job.LastError,
		&job.ErrorCode,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = task.Status(status)
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var decoded task.Result
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
		job.Result = &decoded
	}
	return &job, nil
}

func buildJobFilter(opts task.ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Capability != "" {
		conditions = append(conditions, "capability = ?")
		args = append(args, opts.Capability)
	}
	if opts.OrganizationID > 0 {
		conditions = append(conditions, "organization_id = ?")
		args = append(args, opts.OrganizationID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR capability LIKE ? OR user_id LIKE ? OR input_text LIKE ? OR last_error LIKE ? OR error_code LIKE ? OR result LIKE ?)")
		for i := 0; i < 7; i++ {
			args = append(args, pattern)
		}
	}
	return strings.Join(conditions, " AND "), args
}

// duplicateKey 识别 MySQL 1062 与 SQLite 的唯一约束冲突。
func duplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ task.Store = (*JobRepository)(nil)
