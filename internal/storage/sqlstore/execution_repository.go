package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"SprintPilot/internal/audit"
)

const executionColumns = `id, organization_id, capability, user_id, user_input, status, response_text,
        error_message, error_code, execution_time_ms, tools_called, prompt_tokens, completion_tokens,
        model, cost_usd, created_at`

// ExecutionRepository 将执行记录写入 agent_executions 表。
type ExecutionRepository struct {
	db *DB
}

// NewExecutionRepository 基于连接池创建仓库。
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Save 实现 audit.Repository。记录只插入不更新。
func (r *ExecutionRepository) Save(ctx context.Context, record audit.ExecutionRecord) error {
	tools := record.ToolsCalled
	if tools == nil {
		tools = []string{}
	}
	encodedTools, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("序列化工具列表失败: %w", err)
	}

	var errorMessage sql.NullString
	if record.ErrorMessage != nil {
		errorMessage = sql.NullString{String: *record.ErrorMessage, Valid: true}
	}

	stmt := `INSERT INTO agent_executions (` + executionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.db.ExecContext(ctx, stmt,
		record.ID,
		record.OrganizationID,
		record.AgentCapabilityID,
		record.UserID,
		record.UserInput,
		string(record.Status),
		record.AgentResponseText,
		errorMessage,
		record.ErrorCode,
		record.ExecutionTimeMs,
		string(encodedTools),
		record.PromptTokens,
		record.CompletionTokens,
		record.ModelIdentifier,
		record.ExecutionCostUSD.String(),
		toMillis(record.CreatedAt),
	); err != nil {
		return fmt.Errorf("写入执行记录失败: %w", err)
	}
	return nil
}

// Recent 实现 audit.Repository，按创建时间倒序返回。
func (r *ExecutionRepository) Recent(ctx context.Context, query audit.Query) ([]audit.ExecutionRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if query.OrganizationID > 0 {
		clauses = append(clauses, "organization_id = ?")
		args = append(args, query.OrganizationID)
	}
	if query.Capability != "" {
		clauses = append(clauses, "capability = ?")
		args = append(args, query.Capability)
	}
	if query.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(query.Status))
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	stmt := `SELECT ` + executionColumns + ` FROM agent_executions`
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("查询执行记录失败: %w", err)
	}
	defer rows.Close()

	var records []audit.ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历执行记录失败: %w", err)
	}
	return records, nil
}

func scanExecution(rows *sql.Rows) (audit.ExecutionRecord, error) {
	var (
		record       audit.ExecutionRecord
		status       string
		errorMessage sql.NullString
		tools        string
		cost         decimal.Decimal
		createdAt    int64
	)
	if err := rows.Scan(
		&record.ID,
		&record.OrganizationID,
		&record.AgentCapabilityID,
		&record.UserID,
		&record.UserInput,
		&status,
		&record.AgentResponseText,
		&errorMessage,
		&record.ErrorCode,
		&record.ExecutionTimeMs,
		&tools,
		&record.PromptTokens,
		&record.CompletionTokens,
		&record.ModelIdentifier,
		&cost,
		&createdAt,
	); err != nil {
		return audit.ExecutionRecord{}, fmt.Errorf("解析执行记录失败: %w", err)
	}

	record.Status = audit.Status(status)
	if errorMessage.Valid {
		msg := errorMessage.String
		record.ErrorMessage = &msg
	}
	if err := json.Unmarshal([]byte(tools), &record.ToolsCalled); err != nil {
		return audit.ExecutionRecord{}, fmt.Errorf("解析工具列表失败: %w", err)
	}
	record.ExecutionCostUSD = cost
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

var _ audit.Repository = (*ExecutionRepository)(nil)
