package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"SprintPilot/internal/task"
)

// jobFilterFlags 是 jobs list 与 jobs stats 共用的过滤参数。
type jobFilterFlags struct {
	statuses       []string
	capability     string
	organizationID int64
	since          time.Duration
	query          string
}

func (f *jobFilterFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.statuses, "status", nil, "按状态过滤，可重复（pending、running、succeeded、failed）")
	cmd.Flags().StringVar(&f.capability, "capability", "", "按能力过滤")
	cmd.Flags().Int64Var(&f.organizationID, "org", 0, "按组织过滤")
	cmd.Flags().DurationVar(&f.since, "since", 0, "仅包含最近一段时间内更新的任务")
	cmd.Flags().StringVar(&f.query, "query", "", "在编号、输入、错误与结果中做子串匹配")
}

// options 将过滤参数转换为列表选项。
func (f *jobFilterFlags) options(now time.Time) ([]task.ListOption, error) {
	statuses := make([]task.Status, 0, len(f.statuses))
	for _, raw := range f.statuses {
		status := task.Status(strings.ToLower(strings.TrimSpace(raw)))
		if !task.IsValidStatus(status) {
			return nil, fmt.Errorf("未知的任务状态 %q", raw)
		}
		statuses = append(statuses, status)
	}
	opts := []task.ListOption{
		task.WithStatuses(statuses...),
		task.WithCapability(f.capability),
		task.WithOrganization(f.organizationID),
		task.WithQuery(f.query),
	}
	if f.since > 0 {
		opts = append(opts, task.WithUpdatedSince(now.Add(-f.since)))
	}
	return opts, nil
}

func newJobsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "查看异步任务",
	}
	cmd.AddCommand(newJobsListCmd(root), newJobsStatsCmd(root), newJobsGetCmd(root))
	return cmd
}

func newJobsListCmd(root *rootOptions) *cobra.Command {
	filters := &jobFilterFlags{}
	var (
		limit  int
		offset int
		oldest bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出任务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := filters.options(time.Now())
			if err != nil {
				return err
			}
			opts = append(opts, task.WithLimit(limit), task.WithOffset(offset))
			if oldest {
				opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
			}

			a, err := bootstrap(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.jobs.List(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	filters.bind(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "返回条数，最大 100")
	cmd.Flags().IntVar(&offset, "offset", 0, "跳过的条数")
	cmd.Flags().BoolVar(&oldest, "oldest-first", false, "按更新时间升序")
	return cmd
}

func newJobsStatsCmd(root *rootOptions) *cobra.Command {
	filters := &jobFilterFlags{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "按状态汇总任务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := filters.options(time.Now())
			if err != nil {
				return err
			}
			a, err := bootstrap(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.jobs.Stats(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	filters.bind(cmd)
	return cmd
}

func newJobsGetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "查看单个任务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.jobs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}
