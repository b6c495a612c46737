// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// shutdownGrace is how long a process gets to shut down cleanly after
// the first signal before it is forced to exit.
const shutdownGrace = 30 * time.Second

var (
	ctxMu    sync.Mutex
	contexts = map[*cobra.Command]context.Context{}
	cancels  = map[*cobra.Command]context.CancelFunc{}
)

// Ctx returns the context for the command, creating one that is
// canceled by SIGINT/SIGTERM on first use. A second signal, or a
// shutdown taking longer than the grace period, exits the process.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctxMu.Lock()
	defer ctxMu.Unlock()

	if ctx, ok := contexts[cmd]; ok {
		return ctx, cancels[cmd]
	}

	ctx, cancel := context.WithCancel(context.Background())
	contexts[cmd] = ctx
	cancels[cmd] = cancel

	go func() {
		signals := make(chan os.Signal, 2)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)

		select {
		case sig := <-signals:
			zap.L().Info("Got a signal from the OS", zap.String("signal", sig.String()))
			cancel()

			timer := time.NewTimer(shutdownGrace)
			defer timer.Stop()
			select {
			case <-signals:
				zap.L().Error("Got a second signal, terminating")
				os.Exit(130)
			case <-timer.C:
				zap.L().Error("Shutdown grace period expired, terminating")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
