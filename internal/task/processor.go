package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"SprintPilot/internal/agent"
	"SprintPilot/internal/auth"
	"SprintPilot/internal/capability"
	xerrors "SprintPilot/internal/errors"
	"SprintPilot/internal/observability/alerting"
	"SprintPilot/pkg/logger"
)

// Executor 定义了处理器所需的能力调度。
type Executor interface {
	Run(ctx context.Context, inv capability.Invocation) (*agent.AgentResult, error)
}

// Processor 负责从队列消费任务并交给能力调度器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	retryDelay  time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryDelay 设置可重试失败重新入队前的等待时间。
func WithRetryDelay(delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	p.logger.Info("任务处理器启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个任务。返回错误表示消息需要由队列重新投递。
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if skippable(err) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		if xerrors.IsCode(err, CodeJobConflict) {
			p.logger.Debug("任务正在执行", slog.String("job_id", jobID))
			return nil
		}
		p.logger.Error("领取任务失败", logger.Err(err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	// 执行被关闭信号打断后仍需落库，状态更新不跟随 ctx 取消。
	storeCtx := context.WithoutCancel(ctx)
	runCtx := auth.WithPrincipal(ctx, &auth.Principal{UserID: job.UserID, OrganizationID: job.OrganizationID})
	result, runErr := p.executor.Run(runCtx, job.Invocation())
	if ctx.Err() != nil && interrupted(result, runErr) {
		return p.release(storeCtx, job, ctx.Err())
	}
	switch {
	case runErr != nil:
		// 前置条件或编程错误，调度器未调用模型。前置条件失败重试也不会成功。
		code := xerrors.CodeOf(runErr)
		if code == xerrors.CodeUnknown {
			code = CodeJobProcessing
		}
		retryable := xerrors.RetryableError(runErr) && !xerrors.Classify(runErr).Precondition()
		return p.fail(ctx, job, code, runErr.Error(), retryable, runErr)
	case result == nil:
		return p.fail(ctx, job, CodeJobProcessing, "executor returned no result", false, nil)
	case !result.Succeeded():
		return p.fail(ctx, job, result.ErrorCode(), result.ErrorMessage, result.Retryable(), nil)
	}

	record := resultFrom(result)
	if err := p.store.MarkSucceeded(storeCtx, job.ID, record); err != nil {
		// 执行记录已经写入，重新执行会重复消耗配额，这里只记录错误。
		p.logger.Error("标记任务成功状态失败", logger.Err(err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, xerrors.CodeStorageFailure, err, "mark_succeeded")
		return nil
	}
	logger.Audit().Info("任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("capability", job.Capability),
		slog.String("execution_id", record.ExecutionID),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

// interrupted 判断执行是否因取消而中止。
func interrupted(result *agent.AgentResult, runErr error) bool {
	if runErr != nil {
		return errors.Is(runErr, context.Canceled) || xerrors.IsCode(runErr, xerrors.CodeCancelled)
	}
	return result != nil && result.ErrorCode() == xerrors.CodeCancelled
}

// release 把被关闭打断的任务退回待处理，返回的错误让队列重新投递消息。
func (p *Processor) release(ctx context.Context, job *Job, cause error) error {
	if err := p.store.Release(ctx, job.ID); err != nil {
		p.logger.Error("退回任务失败", logger.Err(err), slog.String("job_id", job.ID))
		return err
	}
	p.logger.Info("任务因关闭被中断，已退回待处理",
		slog.String("job_id", job.ID),
		slog.String("capability", job.Capability),
		slog.Int("attempts", job.Attempts-1))
	return cause
}

func (p *Processor) fail(ctx context.Context, job *Job, code xerrors.Code, message string, retryable bool, cause error) error {
	terminal := !retryable || job.Attempts >= job.MaxRetries
	if err := p.store.MarkFailed(context.WithoutCancel(ctx), job.ID, code, message, terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", logger.Err(err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("capability", job.Capability),
		slog.Bool("terminal", terminal),
		slog.String("error", message),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "terminal"
		// 流水线已对单次失败告警，这里只对重试耗尽告警。
		p.emitAlert(ctx, job, CodeJobExhausted, cause, stage)
	}
	if cause != nil && xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, job, code, cause, stage)
	}

	if terminal {
		return nil
	}
	if p.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.retryDelay):
		}
	}
	if p.producer == nil {
		return nil
	}
	if err := p.producer.Publish(ctx, job.ID); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage":       stage,
		"job_id":      job.ID,
		"attempts":    fmt.Sprint(job.Attempts),
		"max_retries": fmt.Sprint(job.MaxRetries),
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:           code,
		Message:        message,
		Severity:       attrs.Severity,
		Capability:     job.Capability,
		OrganizationID: job.OrganizationID,
		Metadata:       metadata,
		OccurredAt:     time.Now().UTC(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("告警通知失败", logger.Err(err), slog.String("job_id", job.ID), slog.String("stage", stage))
	}
}

func resultFrom(r *agent.AgentResult) Result {
	return Result{
		ExecutionID:      fmt.Sprint(r.Metadata[agent.MetaExecutionID]),
		Content:          r.Content,
		RequiresApproval: r.RequiresApproval,
		ExecutionTimeMs:  r.ExecutionTimeMs,
		ToolsCalled:      append([]string(nil), r.ToolsCalled...),
		TotalTokens:      r.TotalTokens(),
		Model:            r.ModelIdentifier,
		CostUSD:          r.CostUSD.String(),
	}
}
