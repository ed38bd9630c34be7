package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"SprintPilot/internal/observability/metrics"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "消费任务队列并执行能力调用",
		Long: `worker 从配置的队列（redis 或 rabbitmq）读取任务并执行，失败的可重试任务会重新入队。
启用 metrics 时同时提供 Prometheus /metrics 端点。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.inProcessQueue() {
				a.log.Warn("使用内存队列，worker 只能处理本进程提交的任务")
			}
			a.log.Info("worker 已启动",
				"queue", a.cfg.Queue.Driver,
				"workers", a.cfg.Queue.Workers,
				"max_retries", a.cfg.Queue.MaxRetries,
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			if a.cfg.Metrics.Enabled {
				g.Go(func() error {
					return metrics.StartServer(ctx, a.cfg.Metrics.Address, a.metrics.Handler())
				})
			}
			g.Go(func() error {
				return a.processor().Start(ctx)
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.log.Info("worker 已停止")
			return nil
		},
	}
}
