// agentscore - trust scores for autonomous payment agents
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(loadApp).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
