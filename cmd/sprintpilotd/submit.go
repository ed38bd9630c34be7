package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"SprintPilot/internal/task"
	"SprintPilot/pkg/logger"
)

func newSubmitCmd(root *rootOptions) *cobra.Command {
	flags := &invocationFlags{}
	var (
		jobID    string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <capability>",
		Short: "将能力调用放入任务队列",
		Long: `将能力调用放入任务队列，由 worker 异步执行。

使用内存队列时，--wait 会在当前进程内启动处理器直到任务结束。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := flags.invocation(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := bootstrap(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.jobs.Submit(ctx, task.Request{
				ID:             jobID,
				OrganizationID: flags.organizationID,
				UserID:         flags.userID,
				Invocation:     inv,
			})
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), job)
			}

			if a.inProcessQueue() {
				procCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() {
					if err := a.processor().Start(procCtx); err != nil && !errors.Is(err, context.Canceled) {
						a.log.Error("任务处理器异常退出", logger.Err(err))
					}
				}()
			}
			done, err := a.jobs.WaitUntilCompleted(ctx, job.ID, interval)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), done)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&jobID, "id", "", "任务编号，重复提交同一编号是幂等的")
	cmd.Flags().BoolVar(&wait, "wait", false, "等待任务结束后输出结果")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "等待时的轮询间隔")
	return cmd
}
