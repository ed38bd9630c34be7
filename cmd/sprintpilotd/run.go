package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &invocationFlags{}
	cmd := &cobra.Command{
		Use:   "run <capability>",
		Short: "同步执行一个能力并输出结果",
		Long:  "同步执行一个能力并以 JSON 输出 AgentResult。可用能力:\n  " + capabilityUsage(),
		Args:  cobra.ExactArgs(1),
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

			result, err := a.dispatcher.Run(flags.withPrincipal(ctx), inv)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Succeeded() {
				return fmt.Errorf("%s 执行失败: %s", inv.Capability, result.ErrorCode())
			}
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}
