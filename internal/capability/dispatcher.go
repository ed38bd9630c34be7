// Package capability 是五个 AI 能力的入口。每个能力先检查领域前置条件与配额，
// 再把调用交给执行管道；前置条件失败以类型化错误返回，不会生成执行记录。
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

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

// Dispatcher 暴露全部能力。实例可并发使用。
type Dispatcher struct {
	agent    *agent.Agent
	store    domain.Store
	guard    *quota.Guard
	settings map[string]Settings
	log      *slog.Logger
	now      func() time.Time
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithSettings 覆盖某个能力的执行参数，未设置的字段保留默认值。
func WithSettings(capability string, o Override) Option {
	return func(d *Dispatcher) {
		d.settings[capability] = merge(d.settings[capability], o)
	}
}

// WithClock 覆盖时间源。
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger 覆盖应用日志。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher 创建调度器。
func NewDispatcher(ag *agent.Agent, store domain.Store, guard *quota.Guard, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		agent:    ag,
		store:    store,
		guard:    guard,
		settings: DefaultSettings(),
		log:      logger.Named("capability"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// ImproveTaskDescription 改写任务描述。
func (d *Dispatcher) ImproveTaskDescription(ctx context.Context, text string) (*agent.AgentResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "task description must not be empty")
	}
	caller, err := d.resolveCaller(ctx, 0)
	if err != nil {
		return nil, err
	}
	if err := d.checkQuota(ctx, caller.OrganizationID, ImproveTask); err != nil {
		return nil, err
	}
	return d.execute(ctx, caller, ImproveTask, text, improveSystemPrompt, improveUserPrompt(text), true)
}

// AnalyzeProjectRisks 基于项目统计分析交付风险。
func (d *Dispatcher) AnalyzeProjectRisks(ctx context.Context, projectID int64) (*agent.AgentResult, error) {
	project, err := d.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	caller, err := d.resolveCaller(ctx, project.OrganizationID)
	if err != nil {
		return nil, err
	}
	stats, err := d.riskStats(ctx, projectID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load project statistics",
			xerrors.WithMetadata("project_id", fmt.Sprint(projectID)))
	}
	if err := d.checkQuota(ctx, caller.OrganizationID, ProjectRisks); err != nil {
		return nil, err
	}
	return d.execute(ctx, caller, ProjectRisks, fmt.Sprintf("project %d", projectID),
		risksSystemPrompt, risksUserPrompt(project, stats), false)
}

// SuggestSprintPlan 为迭代建议任务范围。
func (d *Dispatcher) SuggestSprintPlan(ctx context.Context, projectID, sprintID int64) (*agent.AgentResult, error) {
	sprint, err := d.store.GetSprint(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	if sprint.ProjectID != projectID {
		return nil, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("sprint %d does not belong to project %d", sprintID, projectID),
			xerrors.WithMetadata("sprint_project_id", fmt.Sprint(sprint.ProjectID)))
	}
	project, err := d.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	caller, err := d.resolveCaller(ctx, project.OrganizationID)
	if err != nil {
		return nil, err
	}
	set, err := toolSet(tools.SprintPlanning(d.store))
	if err != nil {
		return nil, err
	}
	if err := d.checkQuota(ctx, caller.OrganizationID, SprintPlan); err != nil {
		return nil, err
	}
	if err := d.register(set); err != nil {
		return nil, err
	}
	return d.execute(ctx, caller, SprintPlan, fmt.Sprintf("project %d sprint %d", projectID, sprintID),
		planSystemPrompt, planUserPrompt(project, sprint), true, tools.SprintPlanningSet)
}

// AnalyzeTaskDependencies 分析项目任务之间的依赖关系。
func (d *Dispatcher) AnalyzeTaskDependencies(ctx context.Context, projectID int64) (*agent.AgentResult, error) {
	project, err := d.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	caller, err := d.resolveCaller(ctx, project.OrganizationID)
	if err != nil {
		return nil, err
	}
	set, err := toolSet(tools.DependencyAnalysis(d.store))
	if err != nil {
		return nil, err
	}
	if err := d.checkQuota(ctx, caller.OrganizationID, TaskDependencies); err != nil {
		return nil, err
	}
	if err := d.register(set); err != nil {
		return nil, err
	}
	return d.execute(ctx, caller, TaskDependencies, fmt.Sprintf("project %d", projectID),
		dependenciesSystemPrompt, dependenciesUserPrompt(project), false, tools.DependencyAnalysisSet)
}

// GenerateSprintRetrospective 为已完成的迭代生成回顾，成功时回写到迭代上。
func (d *Dispatcher) GenerateSprintRetrospective(ctx context.Context, sprintID int64) (*agent.AgentResult, error) {
	sprint, err := d.store.GetSprint(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	if sprint.Status != domain.SprintCompleted {
		return nil, xerrors.New(xerrors.CodeInvalidOperation,
			fmt.Sprintf("sprint %d is %s, retrospectives require a completed sprint", sprintID, sprint.Status),
			xerrors.WithMetadata("status", string(sprint.Status)))
	}
	project, err := d.store.GetProject(ctx, sprint.ProjectID)
	if err != nil {
		return nil, err
	}
	caller, err := d.resolveCaller(ctx, project.OrganizationID)
	if err != nil {
		return nil, err
	}
	metrics, err := tools.Metrics(ctx, d.store, sprintID, d.now())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load sprint metrics",
			xerrors.WithMetadata("sprint_id", fmt.Sprint(sprintID)))
	}
	set, err := toolSet(tools.Retrospective(d.store))
	if err != nil {
		return nil, err
	}
	if err := d.checkQuota(ctx, caller.OrganizationID, SprintRetrospective); err != nil {
		return nil, err
	}
	if err := d.register(set); err != nil {
		return nil, err
	}

	result, err := d.execute(ctx, caller, SprintRetrospective, fmt.Sprintf("sprint %d", sprintID),
		retrospectiveSystemPrompt, retrospectiveUserPrompt(sprint, metrics), false, tools.RetrospectiveSet)
	if err != nil || !result.Succeeded() {
		return result, err
	}

	saved := true
	if err := d.store.SaveRetrospective(context.WithoutCancel(ctx), sprintID, result.Content); err != nil {
		saved = false
		d.log.Error("迭代回顾回写失败",
			slog.Int64("sprint_id", sprintID),
			slog.Any("execution_id", result.Metadata[agent.MetaExecutionID]),
			logger.Err(err))
	}
	result.Metadata[agent.MetaRetrospectiveSaved] = saved
	return result, nil
}

type callerInfo struct {
	UserID         string
	OrganizationID int64
}

// resolveCaller 解析调用主体。上下文未携带组织时使用实体所属组织；都无法确定时属于编程错误。
func (d *Dispatcher) resolveCaller(ctx context.Context, entityOrganization int64) (callerInfo, error) {
	c := callerInfo{UserID: audit.SystemUser, OrganizationID: entityOrganization}
	if p := auth.PrincipalFromContext(ctx); p != nil {
		if !p.Anonymous() {
			c.UserID = p.UserID
		}
		if p.OrganizationID != 0 {
			c.OrganizationID = p.OrganizationID
		}
	}
	if c.OrganizationID <= 0 {
		return callerInfo{}, quota.InvalidOrganization(c.OrganizationID)
	}
	return c, nil
}

func (d *Dispatcher) checkQuota(ctx context.Context, organizationID int64, capability string) error {
	if d.guard == nil {
		return nil
	}
	// 令牌维度只做预检，实际用量在调用完成后累加。
	for _, dim := range []quota.Dimension{quota.DimensionTokens, DimensionOf(capability)} {
		err := d.guard.Check(ctx, organizationID, dim)
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			d.agent.Metrics().ObserveQuotaRejection(string(dim))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// toolSet 在扣减配额前校验工具集，注册阶段因此不会再失败。
func toolSet(set plugin.FunctionSet) (plugin.FunctionSet, error) {
	if err := set.Validate(); err != nil {
		return plugin.FunctionSet{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "invalid tool functions",
			xerrors.WithMetadata("set", set.Name))
	}
	return set, nil
}

func (d *Dispatcher) register(set plugin.FunctionSet) error {
	added, err := d.agent.Registry().AddIfMissing(set)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "register tool functions",
			xerrors.WithMetadata("set", set.Name))
	}
	if added {
		d.log.Info("工具集已注册", slog.String("set", set.Name), slog.Int("functions", len(set.Functions)))
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, c callerInfo, capability, input, system, user string, requiresApproval bool, toolSets ...string) (*agent.AgentResult, error) {
	s := d.settings[capability]
	return d.agent.Execute(ctx, agent.Request{
		Capability:     capability,
		OrganizationID: c.OrganizationID,
		UserID:         c.UserID,
		UserInput:      input,
		SystemPrompt:   system,
		UserPrompt:     user,
		Settings: llm.Settings{
			MaxOutputTokens: s.MaxOutputTokens,
			Temperature:     s.Temperature,
		},
		Timeout:          s.Timeout,
		ToolSets:         toolSets,
		RequiresApproval: requiresApproval,
	})
}

// riskStats 并发读取任务、迭代与速度数据。
func (d *Dispatcher) riskStats(ctx context.Context, projectID int64) (riskStats, error) {
	var (
		tasks    []domain.Task
		sprints  []domain.Sprint
		velocity *tools.Velocity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tasks, err = d.store.ListProjectTasks(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		sprints, err = d.store.ListSprints(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		velocity, err = tools.TeamVelocity(gctx, d.store, projectID, 3)
		return err
	})
	if err := g.Wait(); err != nil {
		return riskStats{}, err
	}

	now := d.now()
	stats := riskStats{
		TasksByStatus: make(map[domain.TaskStatus]int, len(domain.TaskStatuses)),
		TotalTasks:    len(tasks),
		Velocity:      velocity,
	}
	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
		stats.TotalPoints += t.StoryPoints
		switch {
		case t.Status == domain.TaskDone:
			stats.CompletedPoints += t.StoryPoints
		case t.Status == domain.TaskBlocked:
			stats.BlockedTasks++
		}
		if t.Status != domain.TaskDone && t.AssigneeID == "" {
			stats.UnassignedTasks++
		}
		if t.Overdue(now) {
			stats.OverdueTasks++
		}
	}
	for _, s := range sprints {
		switch s.Status {
		case domain.SprintActive:
			stats.ActiveSprints = append(stats.ActiveSprints, s)
		case domain.SprintPlanned:
			stats.PlannedSprints++
		case domain.SprintCompleted:
			stats.CompletedSprints++
		}
	}
	return stats, nil
}
