// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/nullpath/webpilot/cmd"
	"github.com/nullpath/webpilot/internal/observability"
)

// main is the entry point for the webpilot CLI.
func main() {
	// Interrupt signals cancel the context so the run can unwind and close
	// its browser sessions before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
