package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/pacer/cmd"
)

func main() {
	// Ctrl+C cancels the context; the scheduler finishes the in-flight dispatch first.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := exitCode(cmd.Execute(ctx))
	stop()
	os.Exit(code)
}

// exitCode maps a command error to the process exit status. A cancelled run is a clean
// shutdown.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}
