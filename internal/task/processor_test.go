package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"SprintPilot/internal/agent"
	"SprintPilot/internal/audit"
	"SprintPilot/internal/auth"
	"SprintPilot/internal/capability"
	xerrors "SprintPilot/internal/errors"
	"SprintPilot/internal/observability/alerting"
	"SprintPilot/pkg/logger"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	// failures 为每次调用依次返回的错误码，用尽后返回成功。
	mu         sync.Mutex
	failures   []xerrors.Code
	err        error
	principals []*auth.Principal
}

func (f *fakeExecutor) Run(ctx context.Context, inv capability.Invocation) (*agent.AgentResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	f.mu.Lock()
	f.principals = append(f.principals, auth.PrincipalFromContext(ctx))
	var code xerrors.Code
	if len(f.failures) > 0 {
		code, f.failures = f.failures[0], f.failures[1:]
	}
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if code != "" {
		return &agent.AgentResult{
			Status:       audit.StatusError,
			ErrorMessage: string(code),
			CostUSD:      decimal.Zero,
			Metadata: map[string]any{
				agent.MetaErrorCode:   string(code),
				agent.MetaRetryable:   xerrors.AttributesOf(code).Retryable,
				agent.MetaExecutionID: "exec-failed",
			},
		}, nil
	}
	return &agent.AgentResult{
		Content:          "plan for " + inv.Capability,
		Status:           audit.StatusSuccess,
		RequiresApproval: true,
		PromptTokens:     120,
		CompletionTokens: 340,
		ModelIdentifier:  "gpt-4o-mini",
		CostUSD:          decimal.RequireFromString("0.0012"),
		ToolsCalled:      []string{"get_backlog_tasks"},
		Metadata:         map[string]any{agent.MetaExecutionID: "exec-ok"},
	}, nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

func planRequest(id string) Request {
	return Request{
		ID:             id,
		OrganizationID: 7,
		UserID:         "u-42",
		Invocation:     capability.Invocation{Capability: capability.SprintPlan, ProjectID: 1, SprintID: 11},
	}
}

func newTestProcessor(exec Executor, store Store, queue Queue, opts ...ProcessorOption) *Processor {
	opts = append([]ProcessorOption{WithProcessorLogger(logger.Discard())}, opts...)
	return NewProcessor(exec, store, queue, queue, opts...)
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := newTestProcessor(exec, store, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, planRequest(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, _ := service.Stats(ctx, WithStatuses(StatusSucceeded))
		if stats.Total >= total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}

	job, err := service.Get(context.Background(), "job-0")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Result == nil || job.Result.ExecutionID != "exec-ok" || job.Result.TotalTokens != 460 || job.Result.CostUSD != "0.0012" {
		t.Fatalf("unexpected result: %+v", job.Result)
	}
	p := exec.principals[0]
	if p == nil || p.OrganizationID != 7 || p.UserID != "u-42" {
		t.Fatalf("principal not propagated: %+v", p)
	}
}

func TestProcessorRetriesRetryableResults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{failures: []xerrors.Code{xerrors.CodeTimeout, xerrors.CodeUnavailable}}
	service := NewService(store, queue, 3)
	processor := newTestProcessor(exec, store, queue)

	if _, err := service.Submit(ctx, planRequest("retry-me")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 3; i++ {
		if queue.Len() != 1 {
			t.Fatalf("attempt %d: expected one queued message, got %d", i+1, queue.Len())
		}
		if err := processor.Handle(ctx, <-queue.ch); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	job, _ := service.Get(ctx, "retry-me")
	if job.Status != StatusSucceeded || job.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", job)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Len())
	}
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	alerts := &recordingAlerts{}
	exec := &fakeExecutor{failures: []xerrors.Code{xerrors.CodeTimeout, xerrors.CodeTimeout}}
	service := NewService(store, queue, 2)
	processor := newTestProcessor(exec, store, queue, WithAlertDispatcher(alerts))

	if _, err := service.Submit(ctx, planRequest("flaky")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for queue.Len() > 0 {
		if err := processor.Handle(ctx, <-queue.ch); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	job, _ := service.Get(ctx, "flaky")
	if job.Status != StatusFailed || job.ErrorCode != string(xerrors.CodeTimeout) || !job.Finished() {
		t.Fatalf("expected terminal timeout, got %+v", job)
	}
	if exec.processed.Load() != 2 {
		t.Fatalf("expected 2 executions, got %d", exec.processed.Load())
	}
	codes := alerts.codes()
	if len(codes) != 1 || codes[0] != CodeJobExhausted {
		t.Fatalf("expected exhausted alert, got %v", codes)
	}
}

func TestProcessorDoesNotRetryInternalOrPreconditionFailures(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		exec *fakeExecutor
		code xerrors.Code
	}{
		{"internal", &fakeExecutor{failures: []xerrors.Code{xerrors.CodeInternal}}, xerrors.CodeInternal},
		{"not found", &fakeExecutor{err: xerrors.New(xerrors.CodeNotFound, "sprint 11 not found")}, xerrors.CodeNotFound},
		{"quota", &fakeExecutor{err: xerrors.New(xerrors.CodeQuotaExceeded, "organization 7 exceeded Decisions quota")}, xerrors.CodeQuotaExceeded},
		{"plain error", &fakeExecutor{err: errors.New("boom")}, CodeJobProcessing},
		{"precondition behind retryable code", &fakeExecutor{err: xerrors.Wrap(xerrors.CodeUnavailable,
			xerrors.New(xerrors.CodeNotFound, "sprint 11 not found"), "load sprint")}, xerrors.CodeUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			queue := NewMemoryQueue(8)
			service := NewService(store, queue, 3)
			processor := newTestProcessor(tc.exec, store, queue)

			if _, err := service.Submit(ctx, planRequest("once")); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if err := processor.Handle(ctx, <-queue.ch); err != nil {
				t.Fatalf("handle: %v", err)
			}
			job, _ := service.Get(ctx, "once")
			if job.Status != StatusFailed || job.ErrorCode != string(tc.code) || !job.Finished() {
				t.Fatalf("expected terminal %s, got %+v", tc.code, job)
			}
			if queue.Len() != 0 {
				t.Fatalf("job must not be requeued")
			}
		})
	}
}

func TestProcessorRetriesRetryableExecutorErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{err: xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("db down"), "load project statistics")}
	service := NewService(store, queue, 3)
	processor := newTestProcessor(exec, store, queue)

	if _, err := service.Submit(ctx, planRequest("storage")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.Handle(ctx, <-queue.ch); err != nil {
		t.Fatalf("handle: %v", err)
	}
	job, _ := service.Get(ctx, "storage")
	if job.Status != StatusFailed || job.Finished() || queue.Len() != 1 {
		t.Fatalf("expected requeued retryable failure, got %+v queue=%d", job, queue.Len())
	}
}

type cancellingExecutor struct {
	cancel context.CancelFunc
}

func (e *cancellingExecutor) Run(ctx context.Context, _ capability.Invocation) (*agent.AgentResult, error) {
	e.cancel()
	<-ctx.Done()
	return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "request cancelled")
}

func TestProcessorReleasesJobOnShutdown(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)

	if _, err := service.Submit(context.Background(), planRequest("inflight")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor := newTestProcessor(&cancellingExecutor{cancel: cancel}, store, queue)

	if err := processor.Handle(ctx, <-queue.ch); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to be returned for redelivery, got %v", err)
	}
	job, _ := service.Get(context.Background(), "inflight")
	if job.Status != StatusPending || job.Attempts != 0 {
		t.Fatalf("expected released job, got %+v", job)
	}
	if err := store.Release(context.Background(), "inflight"); !xerrors.IsCode(err, CodeJobConflict) {
		t.Fatalf("releasing an idle job must conflict, got %v", err)
	}
}

func TestProcessorSkipsCompletedJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	exec := &fakeExecutor{}
	service := NewService(store, queue, 3)
	processor := newTestProcessor(exec, store, queue)

	if _, err := service.Submit(ctx, planRequest("dup")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := <-queue.ch
	for i := 0; i < 2; i++ {
		if err := processor.Handle(ctx, id); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if err := processor.Handle(ctx, "unknown"); err != nil {
		t.Fatalf("unknown job must be skipped: %v", err)
	}
	if exec.processed.Load() != 1 {
		t.Fatalf("expected a single execution, got %d", exec.processed.Load())
	}
}

func TestServiceSubmitValidatesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 0)

	_, err := service.Submit(ctx, Request{Invocation: capability.Invocation{Capability: capability.SprintPlan, ProjectID: 1}})
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	first, err := service.Submit(ctx, planRequest("same"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, planRequest("same"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID || queue.Len() != 1 || first.MaxRetries != 3 {
		t.Fatalf("expected idempotent submit, queue=%d first=%+v", queue.Len(), first)
	}

	generated, err := service.Submit(ctx, Request{OrganizationID: 7, Invocation: capability.Invocation{Capability: capability.ImproveTask, Text: "x"}})
	if err != nil || generated.ID == "" {
		t.Fatalf("expected generated id, got %+v, %v", generated, err)
	}
}

func TestServiceSubmitMarksPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	service := NewService(store, queue, 3)

	_, err := service.Submit(ctx, planRequest("lost"))
	if !xerrors.IsCode(err, CodeJobPublish) {
		t.Fatalf("expected publish failure, got %v", err)
	}
	job, _ := store.Get(ctx, "lost")
	if job.Status != StatusFailed || !job.Finished() {
		t.Fatalf("expected terminal failure, got %+v", job)
	}
}

func TestWaitUntilCompleted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	processor := newTestProcessor(&fakeExecutor{latency: 20 * time.Millisecond}, store, queue)
	go processor.Start(ctx)

	job, err := service.Submit(ctx, planRequest("wait"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("unexpected status %s", done.Status)
	}
}
