package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"SprintPilot/internal/audit"
	xerrors "SprintPilot/internal/errors"
	"SprintPilot/internal/llm"
	"SprintPilot/internal/observability/alerting"
	"SprintPilot/internal/observability/metrics"
	"SprintPilot/internal/observability/tracing"
	"SprintPilot/internal/quota"
	"SprintPilot/pkg/logger"
	"SprintPilot/pkg/plugin"
)

// DefaultTimeout 是未显式配置时单次模型调用的超时时间。
const DefaultTimeout = 30 * time.Second

// Request 描述一次经过调度层校验后的模型调用。
type Request struct {
	Capability       string
	OrganizationID   int64
	UserID           string
	UserInput        string
	SystemPrompt     string
	UserPrompt       string
	Settings         llm.Settings
	Timeout          time.Duration
	ToolSets         []string
	RequiresApproval bool
}

// Agent 协调模型调用、工具记录、用量统计与审计写入。一个实例可被多个 goroutine
// 共享，每次调用的对话与上下文均独立构建。
type Agent struct {
	client         llm.Client
	registry       *plugin.Registry
	audit          *audit.Logger
	quota          *quota.Guard
	pricing        llm.Pricing
	model          string
	defaultTimeout time.Duration
	metrics        *metrics.Recorder
	alerts         alerting.Dispatcher
	tracer         trace.Tracer
	log            *slog.Logger
	now            func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithQuotaRecorder 在调用成功后把令牌用量记入配额。
func WithQuotaRecorder(guard *quota.Guard) Option {
	return func(a *Agent) { a.quota = guard }
}

// WithPricing 设置计费规则。
func WithPricing(p llm.Pricing) Option {
	return func(a *Agent) { a.pricing = p }
}

// WithModel 设置后端未回报模型名称时使用的模型标识。
func WithModel(model string) Option {
	return func(a *Agent) { a.model = model }
}

// WithDefaultTimeout 设置请求未指定超时时的默认值。
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.defaultTimeout = timeout
		}
	}
}

// WithMetrics 设置指标记录器。
func WithMetrics(m *metrics.Recorder) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(a *Agent) { a.alerts = d }
}

// WithTracer 覆盖默认 tracer。
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) {
		if t != nil {
			a.tracer = t
		}
	}
}

// WithLogger 覆盖应用日志。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithClock 覆盖时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。
func New(client llm.Client, registry *plugin.Registry, auditLogger *audit.Logger, opts ...Option) *Agent {
	ag := &Agent{
		client:         client,
		registry:       registry,
		audit:          auditLogger,
		pricing:        llm.DefaultPricing(),
		defaultTimeout: DefaultTimeout,
		tracer:         tracing.Tracer("agent"),
		log:            logger.Named("agent"),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.registry == nil {
		ag.registry = plugin.NewRegistry()
	}
	return ag
}

// Registry 返回共享的插件注册表。
func (a *Agent) Registry() *plugin.Registry {
	return a.registry
}

// Metrics 返回指标记录器，可能为 nil。
func (a *Agent) Metrics() *metrics.Recorder {
	return a.metrics
}

// Execute 执行一次模型调用。执行阶段的失败（取消、超时、后端不可用、内部错误）
// 以 Error 状态的结果返回并写入审计；只有调用前的编程错误以 error 返回。
func (a *Agent) Execute(ctx context.Context, req Request) (*AgentResult, error) {
	if a.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "model client is not configured")
	}
	if req.OrganizationID <= 0 {
		return nil, quota.InvalidOrganization(req.OrganizationID)
	}
	if req.Capability == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "capability is required")
	}

	recorder := &toolRecorder{notify: func(name string) { a.metrics.ObserveToolCall(req.Capability, name) }}
	var tools []plugin.Function
	if len(req.ToolSets) > 0 {
		functions, err := a.registry.Functions(req.ToolSets...)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "resolve tool functions",
				xerrors.WithMetadata("capability", req.Capability))
		}
		tools = recorder.wrap(functions)
	}

	settings := req.Settings
	if settings.ToolCallMode == "" {
		settings.ToolCallMode = llm.ToolCallNone
		if len(tools) > 0 {
			settings.ToolCallMode = llm.ToolCallAuto
		}
	}
	conv := llm.NewConversation(req.SystemPrompt, req.UserPrompt)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}

	executionID := uuid.NewString()
	ctx, span := a.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("sprintpilot.capability", req.Capability),
		attribute.Int64("sprintpilot.organization_id", req.OrganizationID),
		attribute.String("sprintpilot.execution_id", executionID),
		attribute.Int("sprintpilot.tool_count", len(tools)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeoutCause(ctx, timeout, &timeoutCause{timeout: timeout})
	defer cancel()

	start := time.Now()
	reply, invokeErr := a.client.Invoke(callCtx, conv, settings, tools)
	elapsed := time.Since(start)

	result := &AgentResult{
		RequiresApproval: req.RequiresApproval,
		ExecutionTimeMs:  elapsed.Milliseconds(),
		ToolsCalled:      recorder.calls(),
		ModelIdentifier:  a.model,
		CostUSD:          decimal.Zero,
		Timestamp:        a.now().UTC(),
		Metadata: map[string]any{
			MetaExecutionID: executionID,
			MetaCapability:  req.Capability,
		},
	}

	var fail *failure
	if invokeErr == nil && reply == nil {
		invokeErr = fmt.Errorf("model backend returned an empty reply")
	}
	if invokeErr != nil {
		f := classifyFailure(ctx, callCtx, invokeErr)
		fail = &f
		result.Status = audit.StatusError
		result.ErrorMessage = f.message
		result.Metadata[MetaErrorCode] = string(f.code)
		result.Metadata[MetaRetryable] = f.retryable()
		span.RecordError(invokeErr)
		span.SetStatus(codes.Error, f.message)
		span.SetAttributes(attribute.String("sprintpilot.error_code", string(f.code)))
	} else {
		prompt, completion, _ := llm.ExtractUsage(reply)
		if reply.Model != "" {
			result.ModelIdentifier = reply.Model
		}
		result.Status = audit.StatusSuccess
		result.Content = reply.Content
		result.PromptTokens = prompt
		result.CompletionTokens = completion
		result.CostUSD = a.pricing.Cost(result.ModelIdentifier, prompt, completion)
		span.SetAttributes(
			attribute.Int("sprintpilot.prompt_tokens", prompt),
			attribute.Int("sprintpilot.completion_tokens", completion),
		)
		span.SetStatus(codes.Ok, "")
	}

	// 审计与后续记账不受调用方取消影响。
	detached := context.WithoutCancel(ctx)
	a.appendRecord(detached, req, executionID, result)
	a.observe(detached, req, result, fail, elapsed)
	return result, nil
}

func (a *Agent) appendRecord(ctx context.Context, req Request, executionID string, result *AgentResult) {
	record := audit.ExecutionRecord{
		ID:                executionID,
		OrganizationID:    req.OrganizationID,
		AgentCapabilityID: req.Capability,
		UserID:            req.UserID,
		UserInput:         req.UserInput,
		Status:            result.Status,
		AgentResponseText: result.Content,
		ExecutionTimeMs:   result.ExecutionTimeMs,
		ToolsCalled:       result.ToolsCalled,
		PromptTokens:      result.PromptTokens,
		CompletionTokens:  result.CompletionTokens,
		ModelIdentifier:   result.ModelIdentifier,
		ExecutionCostUSD:  result.CostUSD,
		CreatedAt:         result.Timestamp,
	}
	if result.Status == audit.StatusError {
		msg := result.ErrorMessage
		record.ErrorMessage = &msg
		record.ErrorCode = string(result.ErrorCode())
	}
	if a.audit == nil {
		return
	}
	if err := a.audit.Append(ctx, record); err != nil {
		a.metrics.ObserveAuditFailure()
		event := alerting.EventFromError(err, req.Capability)
		event.ExecutionID = executionID
		event.OrganizationID = req.OrganizationID
		a.notify(ctx, event)
	}
}

func (a *Agent) observe(ctx context.Context, req Request, result *AgentResult, fail *failure, elapsed time.Duration) {
	code := string(result.ErrorCode())
	a.metrics.ObserveExecution(req.Capability, string(result.Status), code, elapsed)

	attrs := []any{
		slog.String("execution_id", fmt.Sprint(result.Metadata[MetaExecutionID])),
		slog.String("capability", req.Capability),
		slog.Int64("organization_id", req.OrganizationID),
		slog.Int64("execution_time_ms", result.ExecutionTimeMs),
		slog.Any("tools_called", result.ToolsCalled),
	}

	if fail == nil {
		a.metrics.ObserveTokens(req.Capability, result.ModelIdentifier, result.PromptTokens, result.CompletionTokens)
		if a.quota != nil {
			if err := a.quota.RecordTokens(ctx, req.OrganizationID, result.TotalTokens()); err != nil {
				a.log.Warn("记录令牌用量失败", append(attrs, logger.Err(err))...)
			}
		}
		a.log.Info("能力调用完成", append(attrs,
			slog.Int("prompt_tokens", result.PromptTokens),
			slog.Int("completion_tokens", result.CompletionTokens))...)
		return
	}

	a.log.Warn("能力调用失败", append(attrs,
		slog.String("error_code", code),
		slog.String("error", result.ErrorMessage))...)
	if fail.alert() {
		a.notify(ctx, alerting.Event{
			Code:           fail.code,
			Message:        fail.message,
			Severity:       xerrors.AttributesOf(fail.code).Severity,
			Capability:     req.Capability,
			ExecutionID:    fmt.Sprint(result.Metadata[MetaExecutionID]),
			OrganizationID: req.OrganizationID,
			OccurredAt:     result.Timestamp,
		})
	}
}

func (a *Agent) notify(ctx context.Context, event alerting.Event) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Notify(ctx, event); err != nil {
		a.log.Warn("告警发送失败", slog.String("code", string(event.Code)), logger.Err(err))
	}
}
