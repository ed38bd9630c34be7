// Package task 以异步方式执行能力调用：任务先写入存储并投递到队列，
// 由 Processor 消费后交给能力调度器执行。调度器不做重试，是否重投由这里依据
// 结果中的 retryable 标记决定。
package task

import (
	stdErrors "errors"

	"SprintPilot/internal/capability"
	xerrors "SprintPilot/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次成功执行的摘要，完整内容以执行记录为准。
type Result struct {
	ExecutionID      string   `json:"execution_id"`
	Content          string   `json:"content"`
	RequiresApproval bool     `json:"requires_approval"`
	ExecutionTimeMs  int64    `json:"execution_time_ms"`
	ToolsCalled      []string `json:"tools_called,omitempty"`
	TotalTokens      int      `json:"total_tokens"`
	Model            string   `json:"model,omitempty"`
	CostUSD          string   `json:"cost_usd"`
}

// Job 描述了排队执行的能力调用。
type Job struct {
	ID             string  `json:"id"`
	Capability     string  `json:"capability"`
	OrganizationID int64   `json:"organization_id"`
	UserID         string  `json:"user_id,omitempty"`
	ProjectID      int64   `json:"project_id,omitempty"`
	SprintID       int64   `json:"sprint_id,omitempty"`
	Text           string  `json:"text,omitempty"`
	Status         Status  `json:"status"`
	Attempts       int     `json:"attempts"`
	MaxRetries     int     `json:"max_retries"`
	LastError      string  `json:"last_error,omitempty"`
	ErrorCode      string  `json:"error_code,omitempty"`
	Result         *Result `json:"result,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

// Invocation 还原任务对应的能力调用参数。
func (j *Job) Invocation() capability.Invocation {
	return capability.Invocation{
		Capability: j.Capability,
		ProjectID:  j.ProjectID,
		SprintID:   j.SprintID,
		Text:       j.Text,
	}
}

// Clone 返回深拷贝。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Result != nil {
		result := *j.Result
		result.ToolsCalled = append([]string(nil), j.Result.ToolsCalled...)
		clone.Result = &result
	}
	return &clone
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassNotFound,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassValidation,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
		Class:    xerrors.ClassValidation,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Class:    xerrors.ClassInternal,
		Alert:    true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Class:     xerrors.ClassUnavailable,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Class:     xerrors.ClassInternal,
		Retryable: true,
		Alert:     true,
	})
}

// skippable 判断领取失败是否只需跳过消息。
func skippable(err error) bool {
	return stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted)
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Finished 判断任务是否不会再被执行。
func (j *Job) Finished() bool {
	return j.Status == StatusSucceeded || (j.Status == StatusFailed && j.Attempts >= j.MaxRetries)
}
