package capability

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SprintPilot/internal/agent"
	"SprintPilot/internal/audit"
	"SprintPilot/internal/auth"
	"SprintPilot/internal/domain"
	xerrors "SprintPilot/internal/errors"
	"SprintPilot/internal/llm"
	"SprintPilot/internal/quota"
	"SprintPilot/internal/tools"
	"SprintPilot/pkg/logger"
	"SprintPilot/pkg/plugin"
)

type invocation struct {
	conv     llm.Conversation
	settings llm.Settings
	tools    []string
	budget   time.Duration
}

type fakeClient struct {
	mu       sync.Mutex
	calls    []invocation
	reply    *llm.Reply
	err      error
	useTools bool
}

func (f *fakeClient) Invoke(ctx context.Context, conv llm.Conversation, settings llm.Settings, fns []plugin.Function) (*llm.Reply, error) {
	call := invocation{conv: conv, settings: settings}
	if deadline, ok := ctx.Deadline(); ok {
		call.budget = time.Until(deadline)
	}
	for _, fn := range fns {
		call.tools = append(call.tools, fn.Name)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	if f.useTools {
		args := json.RawMessage(`{"project_id":1,"sprint_id":10,"task_id":100}`)
		for _, fn := range fns {
			if _, err := fn.Handler(ctx, args); err != nil {
				return nil, err
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	reply := *f.reply
	return &reply, nil
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) last() invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type failingRetroStore struct {
	*domain.MemoryStore
}

func (failingRetroStore) SaveRetrospective(context.Context, int64, string) error {
	return errors.New("sprint table locked")
}

type failingTasksStore struct {
	*domain.MemoryStore
}

func (failingTasksStore) ListProjectTasks(context.Context, int64) ([]domain.Task, error) {
	return nil, errors.New("db down")
}

func (failingTasksStore) ListSprintTasks(context.Context, int64) ([]domain.Task, error) {
	return nil, errors.New("db down")
}

type fixture struct {
	client     *fakeClient
	store      *domain.MemoryStore
	repo       *audit.MemoryRepository
	quota      *quota.MemoryService
	agent      *agent.Agent
	dispatcher *Dispatcher
}

var fixedNow = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)

func seedStore() *domain.MemoryStore {
	store := domain.NewMemoryStore()
	store.PutProject(domain.Project{ID: 1, OrganizationID: 7, Name: "Checkout"})
	store.PutProject(domain.Project{ID: 2, OrganizationID: 7, Name: "Billing"})

	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC) }
	store.PutSprint(domain.Sprint{ID: 10, ProjectID: 1, Name: "Sprint 10", Status: domain.SprintCompleted, StartDate: day(1), EndDate: day(14), CapacityPoints: 20})
	store.PutSprint(domain.Sprint{ID: 11, ProjectID: 1, Name: "Sprint 11", Status: domain.SprintActive, StartDate: day(15), EndDate: day(28), CapacityPoints: 20})

	sprint10, sprint11 := int64(10), int64(11)
	overdue := day(20)
	store.PutTask(domain.Task{ID: 100, ProjectID: 1, SprintID: &sprint10, Title: "payment api", Status: domain.TaskDone, StoryPoints: 5, AssigneeID: "ana"})
	store.PutTask(domain.Task{ID: 101, ProjectID: 1, SprintID: &sprint10, Title: "refunds", Status: domain.TaskInProgress, StoryPoints: 3})
	store.PutTask(domain.Task{ID: 102, ProjectID: 1, SprintID: &sprint11, Title: "fraud rules", Status: domain.TaskBlocked, StoryPoints: 8, DueDate: &overdue, DependsOn: []int64{101}})
	store.PutTask(domain.Task{ID: 103, ProjectID: 1, Title: "receipts", Status: domain.TaskTodo, StoryPoints: 2, Priority: "High"})
	return store
}

func newFixture(t *testing.T, policy quota.Policy, opts ...Option) *fixture {
	t.Helper()
	quiet := logger.Discard()
	f := &fixture{
		client: &fakeClient{reply: &llm.Reply{Content: "generated", Model: "gpt-4o-mini", Usage: &llm.Usage{PromptTokens: 120, CompletionTokens: 340, TotalTokens: 460}}},
		store:  seedStore(),
		repo:   audit.NewMemoryRepository(),
		quota:  quota.NewMemoryService(policy),
	}
	guard := quota.NewGuard(f.quota)
	auditLogger := audit.NewLogger(f.repo, audit.WithLogger(quiet), audit.WithAuditLogger(quiet))
	f.agent = agent.New(f.client, plugin.NewRegistry(), auditLogger, agent.WithLogger(quiet), agent.WithQuotaRecorder(guard))
	opts = append([]Option{WithLogger(quiet), WithClock(func() time.Time { return fixedNow })}, opts...)
	f.dispatcher = NewDispatcher(f.agent, f.store, guard, opts...)
	return f
}

func asUser(org int64) context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{UserID: "u-42", OrganizationID: org})
}

func TestImproveTaskDescription(t *testing.T) {
	f := newFixture(t, quota.Policy{})

	result, err := f.dispatcher.ImproveTaskDescription(asUser(7), "  login is slow  ")
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.True(t, result.RequiresApproval)
	assert.Equal(t, "generated", result.Content)

	call := f.client.last()
	assert.InDelta(t, 0.7, call.settings.Temperature, 0.001)
	assert.Empty(t, call.tools)
	assert.Contains(t, call.conv.Messages[1].Content, "login is slow")

	records := f.repo.All()
	require.Len(t, records, 1)
	assert.Equal(t, "u-42", records[0].UserID)
	assert.Equal(t, int64(7), records[0].OrganizationID)
	assert.Equal(t, ImproveTask, records[0].AgentCapabilityID)
	assert.Equal(t, int64(1), f.quota.Used(7, quota.DimensionRequests))
}

func TestImproveTaskDescriptionRejectsBadInput(t *testing.T) {
	f := newFixture(t, quota.Policy{})

	_, err := f.dispatcher.ImproveTaskDescription(asUser(7), "   ")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	_, err = f.dispatcher.ImproveTaskDescription(context.Background(), "text")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidOrganization))
	assert.Equal(t, xerrors.ClassInternal, xerrors.Classify(err))

	assert.Zero(t, f.client.count())
	assert.Empty(t, f.repo.All())
}

func TestAnalyzeProjectRisksBuildsStatistics(t *testing.T) {
	f := newFixture(t, quota.Policy{})

	result, err := f.dispatcher.AnalyzeProjectRisks(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, result.RequiresApproval)

	call := f.client.last()
	assert.InDelta(t, 0.3, call.settings.Temperature, 0.001)
	prompt := call.conv.Messages[1].Content
	assert.Contains(t, prompt, "Tasks: 4 in total, 18 story points, 5 points done.")
	assert.Contains(t, prompt, "Blocked tasks: 1")
	assert.Contains(t, prompt, "Overdue tasks: 1")
	assert.Contains(t, prompt, "Unassigned open tasks: 3")
	assert.Contains(t, prompt, "Sprints: 1 active, 0 planned, 1 completed.")

	records := f.repo.All()
	require.Len(t, records, 1)
	assert.Equal(t, audit.SystemUser, records[0].UserID)
	assert.Equal(t, int64(7), records[0].OrganizationID)
}

func TestMissingEntitiesWriteNoRecord(t *testing.T) {
	f := newFixture(t, quota.Policy{})
	ctx := asUser(7)

	_, err := f.dispatcher.AnalyzeProjectRisks(ctx, 99)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
	_, err = f.dispatcher.AnalyzeTaskDependencies(ctx, 99)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
	_, err = f.dispatcher.SuggestSprintPlan(ctx, 1, 99)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
	_, err = f.dispatcher.GenerateSprintRetrospective(ctx, 99)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))

	assert.Zero(t, f.client.count())
	assert.Empty(t, f.repo.All())
	assert.Zero(t, f.quota.Used(7, quota.DimensionDecisions))
}

func TestSuggestSprintPlanProjectMismatch(t *testing.T) {
	f := newFixture(t, quota.Policy{})

	_, err := f.dispatcher.SuggestSprintPlan(asUser(7), 2, 11)
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))
	assert.Equal(t, xerrors.ClassValidation, xerrors.Classify(err))
	assert.Zero(t, f.client.count())
	assert.Empty(t, f.repo.All())
	assert.False(t, f.agent.Registry().Has(tools.SprintPlanningSet))
}

func TestSuggestSprintPlanUsesPlanningTools(t *testing.T) {
	f := newFixture(t, quota.Policy{})
	f.client.useTools = true

	result, err := f.dispatcher.SuggestSprintPlan(asUser(7), 1, 11)
	require.NoError(t, err)
	assert.True(t, result.RequiresApproval)
	assert.Equal(t, []string{"get_backlog_tasks", "get_sprint_details", "get_team_velocity"}, result.ToolsCalled)

	call := f.client.last()
	assert.Greater(t, call.budget, 55*time.Second)
	assert.ElementsMatch(t, []string{"get_backlog_tasks", "get_sprint_details", "get_team_velocity"}, call.tools)
	assert.Equal(t, int64(1), f.quota.Used(7, quota.DimensionDecisions))
	assert.Equal(t, int64(460), f.quota.Used(7, quota.DimensionTokens))
}

func TestQuotaFailsFastBeforeRegistration(t *testing.T) {
	f := newFixture(t, quota.Policy{Default: quota.Limits{Decisions: 1}})
	_, err := f.quota.Consume(context.Background(), 7, quota.DimensionDecisions, 1)
	require.NoError(t, err)

	_, err = f.dispatcher.AnalyzeTaskDependencies(asUser(7), 1)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.DimensionDecisions, exceeded.Dimension)
	assert.Equal(t, int64(7), exceeded.OrganizationID)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeQuotaExceeded))

	assert.Zero(t, f.client.count())
	assert.Empty(t, f.repo.All())
	assert.False(t, f.agent.Registry().Has(tools.DependencyAnalysisSet))
}

func TestTokenBudgetExhaustedBlocksModelCall(t *testing.T) {
	f := newFixture(t, quota.Policy{Default: quota.Limits{Tokens: 100}})
	require.NoError(t, f.quota.Record(context.Background(), 7, quota.DimensionTokens, 500))

	_, err := f.dispatcher.AnalyzeTaskDependencies(asUser(7), 1)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.DimensionTokens, exceeded.Dimension)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeQuotaExceeded))

	assert.Zero(t, f.client.count())
	assert.Empty(t, f.repo.All())
	assert.Zero(t, f.quota.Used(7, quota.DimensionDecisions))
	assert.Equal(t, int64(500), f.quota.Used(7, quota.DimensionTokens))
}

func TestTokenBudgetWithinLimitAllowsCall(t *testing.T) {
	f := newFixture(t, quota.Policy{Default: quota.Limits{Tokens: 1000}})
	require.NoError(t, f.quota.Record(context.Background(), 7, quota.DimensionTokens, 500))

	result, err := f.dispatcher.ImproveTaskDescription(asUser(7), "checkout flow")
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, int64(960), f.quota.Used(7, quota.DimensionTokens))
}

func TestStoreFailureDoesNotSpendQuota(t *testing.T) {
	quiet := logger.Discard()
	client := &fakeClient{reply: &llm.Reply{Content: "risks"}}
	repo := audit.NewMemoryRepository()
	usage := quota.NewMemoryService(quota.Policy{})
	ag := agent.New(client, plugin.NewRegistry(), audit.NewLogger(repo, audit.WithLogger(quiet), audit.WithAuditLogger(quiet)), agent.WithLogger(quiet))
	d := NewDispatcher(ag, failingTasksStore{seedStore()}, quota.NewGuard(usage),
		WithLogger(quiet), WithClock(func() time.Time { return fixedNow }))

	_, err := d.AnalyzeProjectRisks(asUser(7), 1)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.ErrorContains(t, err, "db down")

	_, err = d.GenerateSprintRetrospective(asUser(7), 10)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	assert.Zero(t, usage.Used(7, quota.DimensionDecisions))
	assert.Zero(t, usage.Used(7, quota.DimensionRequests))
	assert.Zero(t, client.count())
	assert.Empty(t, repo.All())
	assert.False(t, ag.Registry().Has(tools.RetrospectiveSet))
}

func TestAnalyzeTaskDependencies(t *testing.T) {
	f := newFixture(t, quota.Policy{})
	f.client.useTools = true

	result, err := f.dispatcher.AnalyzeTaskDependencies(asUser(7), 1)
	require.NoError(t, err)
	assert.False(t, result.RequiresApproval)
	assert.Equal(t, []string{"list_project_tasks", "get_task_details"}, result.ToolsCalled)

	call := f.client.last()
	assert.InDelta(t, 0.2, call.settings.Temperature, 0.001)
	assert.LessOrEqual(t, call.budget, 30*time.Second)
	assert.Greater(t, call.budget, 25*time.Second)
}

func TestGenerateSprintRetrospectiveRequiresCompletedSprint(t *testing.T) {
	f := newFixture(t, quota.Policy{})

	_, err := f.dispatcher.GenerateSprintRetrospective(asUser(7), 11)
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidOperation))
	assert.Equal(t, xerrors.ClassValidation, xerrors.Classify(err))
	assert.Zero(t, f.client.count())
	assert.Empty(t, f.repo.All())

	sprint, _ := f.store.GetSprint(context.Background(), 11)
	assert.Empty(t, sprint.RetrospectiveNotes)
}

func TestGenerateSprintRetrospectiveSavesNotes(t *testing.T) {
	f := newFixture(t, quota.Policy{})
	f.client.reply = &llm.Reply{Content: "## Summary\nshipped payments"}

	result, err := f.dispatcher.GenerateSprintRetrospective(asUser(7), 10)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, true, result.Metadata[agent.MetaRetrospectiveSaved])

	sprint, err := f.store.GetSprint(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "## Summary\nshipped payments", sprint.RetrospectiveNotes)

	prompt := f.client.last().conv.Messages[1].Content
	assert.Contains(t, prompt, "Completed 5 of 8 planned story points")
	assert.True(t, strings.Contains(prompt, "Sprint 10"))
}

func TestGenerateSprintRetrospectiveSaveFailureKeepsResult(t *testing.T) {
	quiet := logger.Discard()
	store := seedStore()
	client := &fakeClient{reply: &llm.Reply{Content: "retro"}}
	repo := audit.NewMemoryRepository()
	ag := agent.New(client, plugin.NewRegistry(), audit.NewLogger(repo, audit.WithLogger(quiet), audit.WithAuditLogger(quiet)), agent.WithLogger(quiet))
	d := NewDispatcher(ag, failingRetroStore{store}, nil, WithLogger(quiet))

	result, err := d.GenerateSprintRetrospective(asUser(7), 10)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, false, result.Metadata[agent.MetaRetrospectiveSaved])
	assert.Len(t, repo.All(), 1)
}

func TestGenerateSprintRetrospectiveFailureDoesNotSave(t *testing.T) {
	f := newFixture(t, quota.Policy{})
	f.client.err = errors.New("malformed completion")

	result, err := f.dispatcher.GenerateSprintRetrospective(asUser(7), 10)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusError, result.Status)
	assert.Equal(t, xerrors.CodeInternal, result.ErrorCode())
	assert.NotContains(t, result.Metadata, agent.MetaRetrospectiveSaved)

	sprint, _ := f.store.GetSprint(context.Background(), 10)
	assert.Empty(t, sprint.RetrospectiveNotes)
	require.Len(t, f.repo.All(), 1)
	assert.Equal(t, audit.StatusError, f.repo.All()[0].Status)
}

func TestConcurrentCallsRegisterToolsOnce(t *testing.T) {
	f := newFixture(t, quota.Policy{})

	const workers = 24
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.dispatcher.SuggestSprintPlan(asUser(7), 1, 11)
			if err == nil && !result.Succeeded() {
				err = errors.New(result.ErrorMessage)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.agent.Registry().Len())
	assert.Len(t, f.repo.All(), workers)
}

func TestSettingsOverride(t *testing.T) {
	f := newFixture(t, quota.Policy{}, WithSettings(ImproveTask, Override{Timeout: 5 * time.Second}))

	_, err := f.dispatcher.ImproveTaskDescription(asUser(7), "x")
	require.NoError(t, err)
	call := f.client.last()
	assert.LessOrEqual(t, call.budget, 5*time.Second)
	assert.InDelta(t, 0.7, call.settings.Temperature, 0.001)
	assert.Equal(t, 1024, call.settings.MaxOutputTokens)
}

func TestSettingsOverrideZeroTemperature(t *testing.T) {
	zero := float32(0)
	f := newFixture(t, quota.Policy{}, WithSettings(ImproveTask, Override{Temperature: &zero}))

	_, err := f.dispatcher.ImproveTaskDescription(asUser(7), "x")
	require.NoError(t, err)
	call := f.client.last()
	assert.Zero(t, call.settings.Temperature)
	assert.LessOrEqual(t, call.budget, 30*time.Second)
	assert.Greater(t, call.budget, 25*time.Second)
}

func TestRunDispatchesByName(t *testing.T) {
	f := newFixture(t, quota.Policy{})

	_, err := f.dispatcher.Run(asUser(7), Invocation{Capability: "delete_everything"})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument))
	_, err = f.dispatcher.Run(asUser(7), Invocation{Capability: SprintPlan, ProjectID: 1})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument))

	result, err := f.dispatcher.Run(asUser(7), Invocation{Capability: TaskDependencies, ProjectID: 1})
	require.NoError(t, err)
	assert.Equal(t, TaskDependencies, result.Metadata[agent.MetaCapability])
}
