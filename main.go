package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/cmd"
	"github.com/xkilldash9x/rewardcrawl/internal/observability"
)

// osExit is replaced in tests.
var osExit = os.Exit

func main() {
	defer handlePanic()

	// Interrupts cancel the running crawl; sessions are still released.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return
		}
		osExit(1)
	}
}

// handlePanic flushes the logs and reports a crash with its stack.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	observability.GetLogger().Error("Unrecovered panic.", zap.Any("panic", r), zap.ByteString("stack", stack))
	observability.Sync()
	fmt.Fprintf(os.Stderr, "panic: %v\n\n%s", r, stack)
	osExit(2)
}
