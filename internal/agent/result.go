package agent

import (
	"time"

	"github.com/shopspring/decimal"

	"SprintPilot/internal/audit"
	xerrors "SprintPilot/internal/errors"
)

// Metadata keys
const (
	MetaErrorCode          = "error_code"
	MetaRetryable          = "retryable"
	MetaExecutionID        = "execution_id"
	MetaCapability         = "capability"
	MetaRetrospectiveSaved = "retrospective_saved"
)

// AgentResult 是一次能力调用返回给调用方的结果。
type AgentResult struct {
	Content          string          `json:"content"`
	Status           audit.Status    `json:"status"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	ExecutionTimeMs  int64           `json:"execution_time_ms"`
	ToolsCalled      []string        `json:"tools_called"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	ModelIdentifier  string          `json:"model_identifier"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	Timestamp        time.Time       `json:"timestamp"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// Succeeded 判断调用是否成功。
func (r *AgentResult) Succeeded() bool {
	return r != nil && r.Status == audit.StatusSuccess
}

// ErrorCode 返回失败结果上的机器可读错误码。
func (r *AgentResult) ErrorCode() xerrors.Code {
	if r == nil {
		return ""
	}
	if code, ok := r.Metadata[MetaErrorCode].(string); ok {
		return xerrors.Code(code)
	}
	return ""
}

// Retryable 表示调用方是否可以重试。
func (r *AgentResult) Retryable() bool {
	if r == nil {
		return false
	}
	retryable, _ := r.Metadata[MetaRetryable].(bool)
	return retryable
}

// TotalTokens 返回令牌总数。
func (r *AgentResult) TotalTokens() int {
	if r == nil {
		return 0
	}
	return r.PromptTokens + r.CompletionTokens
}
