package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions 是全部子命令共享的参数。
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sprintpilotd",
		Short: "SprintPilot agent orchestration core",
		Long: `sprintpilotd runs the SprintPilot AI capabilities against project data.

Capabilities can be invoked synchronously (run), queued for background
workers (submit, worker), and inspected afterwards (history, jobs).`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("SPRINTPILOT_CONFIG"),
		"配置文件路径（YAML 或 JSON），也可通过 SPRINTPILOT_CONFIG 指定")

	cmd.AddCommand(
		newRunCmd(opts),
		newSubmitCmd(opts),
		newWorkerCmd(opts),
		newHistoryCmd(opts),
		newJobsCmd(opts),
	)
	return cmd
}

// printJSON 以缩进格式输出结果。
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
