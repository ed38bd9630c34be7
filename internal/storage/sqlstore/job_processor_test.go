package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"SprintPilot/internal/agent"
	"SprintPilot/internal/audit"
	"SprintPilot/internal/capability"
	xerrors "SprintPilot/internal/errors"
	"SprintPilot/internal/task"
	"SprintPilot/pkg/logger"
)

// shutdownExecutor 在执行中途触发工作协程的取消，再返回预设结果。
type shutdownExecutor struct {
	cancel context.CancelFunc
	result *agent.AgentResult
	err    error
}

func (e *shutdownExecutor) Run(ctx context.Context, _ capability.Invocation) (*agent.AgentResult, error) {
	e.cancel()
	<-ctx.Done()
	return e.result, e.err
}

func newJob(t *testing.T, repo *JobRepository, id string) {
	t.Helper()
	job := &task.Job{ID: id, Capability: capability.SprintPlan, OrganizationID: 7, UserID: "u-42",
		ProjectID: 1, SprintID: 11, Status: task.StatusPending, MaxRetries: 3}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func handleDuringShutdown(t *testing.T, repo *JobRepository, id string, exec *shutdownExecutor) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.cancel = cancel
	processor := task.NewProcessor(exec, repo, nil, nil, task.WithProcessorLogger(logger.Discard()))
	return processor.Handle(ctx, id)
}

func TestProcessorReleasesJobInterruptedByShutdown(t *testing.T) {
	repo := NewJobRepository(openSQLite(t))
	newJob(t, repo, "job-cancel")

	err := handleDuringShutdown(t, repo, "job-cancel", &shutdownExecutor{err: context.Canceled})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted job should be handed back to the queue, got %v", err)
	}

	ctx := context.Background()
	job, err := repo.Get(ctx, "job-cancel")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != task.StatusPending || job.Attempts != 0 {
		t.Fatalf("expected pending job without spent attempt, got %+v", job)
	}
	claimed, err := repo.Claim(ctx, "job-cancel")
	if err != nil || claimed.Attempts != 1 {
		t.Fatalf("released job should be claimable, got %+v, %v", claimed, err)
	}
}

func TestProcessorReleasesCancelledResultOnShutdown(t *testing.T) {
	repo := NewJobRepository(openSQLite(t))
	newJob(t, repo, "job-cancelled-result")

	cancelled := &agent.AgentResult{
		Status:       audit.StatusError,
		ErrorMessage: "request cancelled by caller",
		CostUSD:      decimal.Zero,
		Metadata:     map[string]any{agent.MetaErrorCode: string(xerrors.CodeCancelled), agent.MetaRetryable: false},
	}
	err := handleDuringShutdown(t, repo, "job-cancelled-result", &shutdownExecutor{result: cancelled})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected handle error: %v", err)
	}
	job, _ := repo.Get(context.Background(), "job-cancelled-result")
	if job.Status != task.StatusPending || job.Finished() {
		t.Fatalf("cancelled run must not fail the job terminally, got %+v", job)
	}
}

func TestProcessorPersistsOutcomeAfterShutdown(t *testing.T) {
	repo := NewJobRepository(openSQLite(t))
	newJob(t, repo, "job-done")
	newJob(t, repo, "job-flaky")

	done := &agent.AgentResult{
		Content:  "plan",
		Status:   audit.StatusSuccess,
		CostUSD:  decimal.Zero,
		Metadata: map[string]any{agent.MetaExecutionID: "exec-1"},
	}
	if err := handleDuringShutdown(t, repo, "job-done", &shutdownExecutor{result: done}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	unavailable := &agent.AgentResult{
		Status:       audit.StatusError,
		ErrorMessage: "model backend unavailable",
		CostUSD:      decimal.Zero,
		Metadata:     map[string]any{agent.MetaErrorCode: string(xerrors.CodeUnavailable), agent.MetaRetryable: true},
	}
	if err := handleDuringShutdown(t, repo, "job-flaky", &shutdownExecutor{result: unavailable}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ctx := context.Background()
	job, _ := repo.Get(ctx, "job-done")
	if job.Status != task.StatusSucceeded || job.Result == nil || job.Result.ExecutionID != "exec-1" {
		t.Fatalf("success must be recorded despite shutdown, got %+v", job)
	}
	job, _ = repo.Get(ctx, "job-flaky")
	if job.Status != task.StatusFailed || job.ErrorCode != string(xerrors.CodeUnavailable) || job.Finished() {
		t.Fatalf("retryable failure must be recorded despite shutdown, got %+v", job)
	}
	if _, err := repo.Claim(ctx, "job-flaky"); err != nil {
		t.Fatalf("failed job should be claimable for retry: %v", err)
	}
}

func TestJobRepositoryReleaseRequiresRunning(t *testing.T) {
	repo := NewJobRepository(openSQLite(t))
	newJob(t, repo, "job-idle")

	ctx := context.Background()
	if err := repo.Release(ctx, "job-idle"); !xerrors.IsCode(err, task.CodeJobConflict) {
		t.Fatalf("expected conflict for pending job, got %v", err)
	}
	if err := repo.Release(ctx, "missing"); !xerrors.IsCode(err, task.CodeJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
