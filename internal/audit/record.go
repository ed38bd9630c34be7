// Package audit 为每次能力调用写入一条只追加的执行记录。
package audit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status 表示执行记录的状态。
type Status string

const (
	StatusPending Status = "Pending"
	StatusSuccess Status = "Success"
	StatusError   Status = "Error"
)

// Final 判断状态是否为终态。
func (s Status) Final() bool {
	return s == StatusSuccess || s == StatusError
}

// ExecutionRecord 是一次调用尝试的审计记录，写入后不可修改。
type ExecutionRecord struct {
	ID                string          `json:"id"`
	OrganizationID    int64           `json:"organization_id"`
	AgentCapabilityID string          `json:"agent_capability_id"`
	UserID            string          `json:"user_id"`
	UserInput         string          `json:"user_input"`
	Status            Status          `json:"status"`
	AgentResponseText string          `json:"agent_response_text"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ExecutionTimeMs   int64           `json:"execution_time_ms"`
	ToolsCalled       []string        `json:"tools_called"`
	PromptTokens      int             `json:"prompt_tokens"`
	CompletionTokens  int             `json:"completion_tokens"`
	ModelIdentifier   string          `json:"model_identifier"`
	ExecutionCostUSD  decimal.Decimal `json:"execution_cost_usd"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Query 描述历史记录的过滤条件。
type Query struct {
	OrganizationID int64
	Capability     string
	Status         Status
	Limit          int
}

// Repository 是执行记录的持久化接口。
type Repository interface {
	Save(ctx context.Context, record ExecutionRecord) error
	Recent(ctx context.Context, query Query) ([]ExecutionRecord, error)
}
