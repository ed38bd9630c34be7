package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "SprintPilot/internal/errors"
	"SprintPilot/pkg/logger"
)

// SystemUser 是没有认证用户时记录的用户标识。
const SystemUser = "system"

// Logger 负责写入执行记录。写入失败只记录日志并返回错误，调用方已经计算出的
// 结果不受影响。
type Logger struct {
	repo  Repository
	log   *slog.Logger
	audit *slog.Logger
	now   func() time.Time
}

// Option 定义可选配置。
type Option func(*Logger)

// WithLogger 覆盖应用日志。
func WithLogger(l *slog.Logger) Option {
	return func(a *Logger) {
		if l != nil {
			a.log = l
		}
	}
}

// WithAuditLogger 覆盖审计日志流。
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Logger) {
		if l != nil {
			a.audit = l
		}
	}
}

// WithClock 覆盖时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Logger) {
		if now != nil {
			a.now = now
		}
	}
}

// NewLogger 创建审计记录器。
func NewLogger(repo Repository, opts ...Option) *Logger {
	a := &Logger{
		repo:  repo,
		log:   logger.Named("audit"),
		audit: logger.Audit(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Append 写入一条终态执行记录。
func (a *Logger) Append(ctx context.Context, record ExecutionRecord) error {
	if err := a.validate(&record); err != nil {
		a.log.Error("拒绝写入非法执行记录",
			slog.String("execution_id", record.ID),
			slog.String("capability", record.AgentCapabilityID),
			logger.Err(err))
		return err
	}

	a.audit.LogAttrs(ctx, slog.LevelInfo, "agent_execution", recordAttrs(record)...)

	if a.repo == nil {
		return nil
	}
	if err := a.repo.Save(ctx, record); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist execution record",
			xerrors.WithMetadata("execution_id", record.ID))
		a.log.Error("执行记录持久化失败",
			slog.String("execution_id", record.ID),
			slog.String("capability", record.AgentCapabilityID),
			slog.Int64("organization_id", record.OrganizationID),
			logger.Err(err))
		return wrapped
	}
	return nil
}

// Recent 返回最近的执行记录。
func (a *Logger) Recent(ctx context.Context, query Query) ([]ExecutionRecord, error) {
	if a.repo == nil {
		return nil, nil
	}
	if query.Limit <= 0 {
		query.Limit = 20
	}
	records, err := a.repo.Recent(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load execution records")
	}
	return records, nil
}

func (a *Logger) validate(record *ExecutionRecord) error {
	if record.OrganizationID <= 0 {
		return xerrors.New(xerrors.CodeInvalidOrganization,
			fmt.Sprintf("execution record requires a positive organization id, got %d", record.OrganizationID))
	}
	if !record.Status.Final() {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("execution record status must be final, got %q", record.Status))
	}
	if record.AgentCapabilityID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution record requires a capability id")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.UserID == "" {
		record.UserID = SystemUser
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = a.now().UTC()
	}
	if record.ToolsCalled == nil {
		record.ToolsCalled = []string{}
	}
	return nil
}

func recordAttrs(r ExecutionRecord) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("execution_id", r.ID),
		slog.Int64("organization_id", r.OrganizationID),
		slog.String("capability", r.AgentCapabilityID),
		slog.String("user_id", r.UserID),
		slog.String("status", string(r.Status)),
		slog.Int64("execution_time_ms", r.ExecutionTimeMs),
		slog.Any("tools_called", r.ToolsCalled),
		slog.Int("prompt_tokens", r.PromptTokens),
		slog.Int("completion_tokens", r.CompletionTokens),
		slog.String("model", r.ModelIdentifier),
		slog.String("cost_usd", r.ExecutionCostUSD.String()),
	}
	if r.ErrorMessage != nil {
		attrs = append(attrs, slog.String("error_code", r.ErrorCode), slog.String("error_message", *r.ErrorMessage))
	}
	return attrs
}
