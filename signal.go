package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// exitNow ends the process when a drain is interrupted. Replaced in tests.
var exitNow = os.Exit

// gatewayContext returns the context the gateway serves under. The first
// SIGINT or SIGTERM cancels it, which makes the gateway stop accepting
// connections and drain in-flight backend calls for up to drain. A second
// signal during the drain exits immediately with status 1.
func gatewayContext(parent context.Context, logger *slog.Logger, drain time.Duration) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("stopping gateway, draining in-flight requests",
				slog.String("signal", sig.String()),
				slog.Duration("drain_timeout", drain),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("gateway drain interrupted, exiting",
				slog.String("signal", sig.String()),
			)
			exitNow(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
