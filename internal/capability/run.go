package capability

import (
	"context"
	"fmt"
	"strings"

	"SprintPilot/internal/agent"
	xerrors "SprintPilot/internal/errors"
)

// Invocation 以名称描述一次能力调用，供命令行与异步任务使用。
type Invocation struct {
	Capability string `json:"capability"`
	ProjectID  int64  `json:"project_id,omitempty"`
	SprintID   int64  `json:"sprint_id,omitempty"`
	Text       string `json:"text,omitempty"`
}

// Validate 检查调用参数是否齐全。
func (inv Invocation) Validate() error {
	switch inv.Capability {
	case ImproveTask:
		if strings.TrimSpace(inv.Text) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "text is required for "+inv.Capability)
		}
	case ProjectRisks, TaskDependencies:
		if inv.ProjectID <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "project id is required for "+inv.Capability)
		}
	case SprintPlan:
		if inv.ProjectID <= 0 || inv.SprintID <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "project id and sprint id are required for "+inv.Capability)
		}
	case SprintRetrospective:
		if inv.SprintID <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "sprint id is required for "+inv.Capability)
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown capability %q", inv.Capability))
	}
	return nil
}

// Run 按名称分发到对应能力。
func (d *Dispatcher) Run(ctx context.Context, inv Invocation) (*agent.AgentResult, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	switch inv.Capability {
	case ImproveTask:
		return d.ImproveTaskDescription(ctx, inv.Text)
	case ProjectRisks:
		return d.AnalyzeProjectRisks(ctx, inv.ProjectID)
	case SprintPlan:
		return d.SuggestSprintPlan(ctx, inv.ProjectID, inv.SprintID)
	case TaskDependencies:
		return d.AnalyzeTaskDependencies(ctx, inv.ProjectID)
	default:
		return d.GenerateSprintRetrospective(ctx, inv.SprintID)
	}
}
