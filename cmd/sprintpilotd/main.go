package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// main 是 SprintPilot 命令行与后台进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
