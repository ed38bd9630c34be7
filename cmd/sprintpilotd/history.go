package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"SprintPilot/internal/audit"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		query  audit.Query
		status string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查询最近的能力执行记录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseAuditStatus(status)
			if err != nil {
				return err
			}
			query.Status = parsed

			a, err := bootstrap(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.audit.Recent(cmd.Context(), query)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().Int64Var(&query.OrganizationID, "org", 0, "按组织过滤")
	cmd.Flags().StringVar(&query.Capability, "capability", "", "按能力过滤")
	cmd.Flags().StringVar(&status, "status", "", "按状态过滤（success 或 error）")
	cmd.Flags().IntVar(&query.Limit, "limit", 20, "返回条数")
	return cmd
}

// parseAuditStatus 解析大小写不敏感的执行状态。
func parseAuditStatus(raw string) (audit.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "success":
		return audit.StatusSuccess, nil
	case "error":
		return audit.StatusError, nil
	case "pending":
		return audit.StatusPending, nil
	default:
		return "", fmt.Errorf("未知的执行状态 %q", raw)
	}
}
