package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/codex-k8s/devstack/internal/cli"
	"github.com/codex-k8s/devstack/internal/logging"
)

// main is the entry point for the devstack CLI binary.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logger := logging.NewLogger(os.Stderr, logging.LevelInfo)
	err := cli.Execute(ctx, os.Args[1:], logger)
	stop()
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
