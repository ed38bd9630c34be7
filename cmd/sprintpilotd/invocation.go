package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"SprintPilot/internal/auth"
	"SprintPilot/internal/capability"
)

// invocationFlags 描述调用某个能力所需的命令行参数。
type invocationFlags struct {
	projectID      int64
	sprintID       int64
	text           string
	organizationID int64
	userID         string
}

func (f *invocationFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.projectID, "project", 0, "项目编号")
	cmd.Flags().Int64Var(&f.sprintID, "sprint", 0, "迭代编号")
	cmd.Flags().StringVar(&f.text, "text", "", "待改写的任务描述")
	cmd.Flags().Int64Var(&f.organizationID, "org", 0, "调用方所属组织，为空时取实体所属组织")
	cmd.Flags().StringVar(&f.userID, "user", "", "调用方用户编号")
}

// invocation 根据能力名称与参数构造调用。
func (f *invocationFlags) invocation(name string) (capability.Invocation, error) {
	inv := capability.Invocation{
		Capability: strings.TrimSpace(name),
		ProjectID:  f.projectID,
		SprintID:   f.sprintID,
		Text:       f.text,
	}
	if err := inv.Validate(); err != nil {
		return capability.Invocation{}, err
	}
	return inv, nil
}

// withPrincipal 在指定了用户或组织时把调用方写入上下文。
func (f *invocationFlags) withPrincipal(ctx context.Context) context.Context {
	if strings.TrimSpace(f.userID) == "" && f.organizationID == 0 {
		return ctx
	}
	return auth.WithPrincipal(ctx, &auth.Principal{UserID: f.userID, OrganizationID: f.organizationID})
}

// capabilityUsage 列出可用能力，用于命令帮助。
func capabilityUsage() string {
	return strings.Join(capability.Names, "\n  ")
}
