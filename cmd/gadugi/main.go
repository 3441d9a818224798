package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gadugi/gadugi/internal/cli"
)

// version is stamped at build time via -ldflags.
var version = ""

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(version).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
